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

package cmd

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyr-ius/portalcrane/internal/audit"
	"github.com/cyr-ius/portalcrane/internal/auth"
	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/lifecycle"
	"github.com/cyr-ius/portalcrane/internal/proxy"
	"github.com/cyr-ius/portalcrane/internal/registry"
	"github.com/cyr-ius/portalcrane/internal/replicate"
	"github.com/cyr-ius/portalcrane/internal/server"
	"github.com/cyr-ius/portalcrane/internal/staging"
	"github.com/cyr-ius/portalcrane/internal/store"
	"github.com/cyr-ius/portalcrane/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Run the registry proxy and management API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(settings.DataDir)
	resolver := auth.NewResolver(settings, st)
	sink := audit.NewSink(
		filepath.Join(settings.DataDir, "audit-events.jsonl"),
		settings.AuditMaxEvents,
	)
	runner := &command.ExecRunner{}
	client := registry.NewClient(
		settings.RegistryURL,
		settings.RegistryUsername,
		settings.RegistryPassword,
		settings.ProxyTimeout,
	)
	super := supervisor.NewClient(settings.SupervisorRPCURL)

	srv := server.New(
		settings,
		st,
		resolver,
		sink,
		proxy.New(settings, resolver, sink),
		staging.NewEngine(settings, st, resolver, runner),
		replicate.NewEngine(settings, st, client, runner),
		lifecycle.NewController(settings, super, runner, client),
		super,
	)
	return srv.Run(ctx)
}
