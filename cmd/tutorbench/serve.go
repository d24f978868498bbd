package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorbench/internal/evalsim"
)

func serveSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-sim",
		Short: "Serve a local stand-in for the evaluation service",
		RunE:  runServeSim,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.String("api-key", "", "Required x-api-key value (empty accepts any key)")
	f.Int("max-turns", evalsim.DefaultMaxTurns, "Conversation length reported to clients")
	return cmd
}

func runServeSim(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v

	sim := evalsim.New(evalsim.Config{
		Roster:   evalsim.DefaultRoster(),
		APIKey:   v.GetString("api-key"),
		MaxTurns: v.GetInt("max-turns"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", sim.Handler())

	addr := v.GetString("addr")
	slog.Info("starting evaluation simulator",
		"addr", addr,
		"max_turns", v.GetInt("max-turns"),
		"api_key_required", v.GetString("api-key") != "",
	)
	return http.ListenAndServe(addr, r)
}
