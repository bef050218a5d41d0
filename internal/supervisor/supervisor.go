/*
Copyright 2025 The Portalcrane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package supervisor talks to supervisord's XML-RPC interface to stop and
// start the processes it manages (the registry, the trivy server).
package supervisor

import (
	"github.com/kolo/xmlrpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ProcessInfo is the subset of supervisord's process record we use.
type ProcessInfo struct {
	Name      string `xmlrpc:"name"`
	Statename string `xmlrpc:"statename"`
	State     int    `xmlrpc:"state"`
	PID       int    `xmlrpc:"pid"`
	Start     int64  `xmlrpc:"start"`
	Now       int64  `xmlrpc:"now"`
	SpawnErr  string `xmlrpc:"spawnerr"`
}

// Running reports whether supervisord considers the process up.
func (p *ProcessInfo) Running() bool {
	// 20 is RUNNING in supervisord's process state enum.
	return p.State == 20
}

// UptimeSeconds is the process uptime as supervisord reports it.
func (p *ProcessInfo) UptimeSeconds() int64 {
	if !p.Running() || p.Now < p.Start {
		return 0
	}
	return p.Now - p.Start
}

// Controller is the control surface the lifecycle controller needs.
type Controller interface {
	Stop(name string) error
	Start(name string) error
	Info(name string) (*ProcessInfo, error)
}

// Client is an XML-RPC supervisord client.
type Client struct {
	url string
}

var _ Controller = (*Client)(nil)

// NewClient returns a client for the given RPC2 endpoint.
func NewClient(url string) *Client {
	return &Client{url: url}
}

func (c *Client) call(method string, args, reply interface{}) error {
	rpc, err := xmlrpc.NewClient(c.url, nil)
	if err != nil {
		return errors.Wrap(err, "connecting to supervisord")
	}
	defer rpc.Close()
	return errors.Wrapf(rpc.Call(method, args, reply), "calling %s", method)
}

// Stop stops a supervised process and waits for it to exit.
func (c *Client) Stop(name string) error {
	logrus.WithField("process", name).Info("stopping supervised process")
	var ok bool
	if err := c.call("supervisor.stopProcess", name, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("supervisord refused to stop %q", name)
	}
	return nil
}

// Start starts a supervised process and waits for it to be running.
func (c *Client) Start(name string) error {
	logrus.WithField("process", name).Info("starting supervised process")
	var ok bool
	if err := c.call("supervisor.startProcess", name, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("supervisord refused to start %q", name)
	}
	return nil
}

// Info returns the state of one supervised process.
func (c *Client) Info(name string) (*ProcessInfo, error) {
	info := &ProcessInfo{}
	if err := c.call("supervisor.getProcessInfo", name, info); err != nil {
		return nil, err
	}
	return info, nil
}

// All returns the state of every supervised process.
func (c *Client) All() ([]ProcessInfo, error) {
	var infos []ProcessInfo
	if err := c.call("supervisor.getAllProcessInfo", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
