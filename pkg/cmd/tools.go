package cmd

import (
	"log/slog"

	"github.com/dukex/waypoint/pkg/tools"
)

// LocalConnectionID names the in-process connection every worker carries.
const LocalConnectionID = "local"

// NewToolRegistry registers the in-process tools under "local" and one HTTP
// connection per entry of connections ("id=url,id=url").
func NewToolRegistry(logger *slog.Logger, connections string) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)

	registry.Register(LocalConnectionID, tools.FuncConnection{
		"echo": tools.Echo,
	})

	parsed, err := tools.ParseConnections(connections)
	if err != nil {
		return nil, err
	}

	for id, connection := range parsed {
		registry.Register(id, connection)
	}

	return registry, nil
}
