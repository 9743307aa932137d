package unitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/jarvis/pkg/jarvis/catalog"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
)

// Seed installs the embedded default units that are not already stored.
// User units with the same name are left untouched. It returns the names
// it installed.
func Seed(ctx context.Context, store Store, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "unit_seed")

	defaults, err := catalog.Defaults()
	if err != nil {
		return nil, err
	}

	var installed []string
	for _, e := range defaults {
		if err := ctx.Err(); err != nil {
			return installed, err
		}
		_, err := store.Stat(ctx, e.Name)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, ErrNotFound):
			return installed, fmt.Errorf("checking %s: %w", e.Name, err)
		}

		if _, err := store.Write(ctx, e.Name, e.Source, Create); err != nil {
			if faults.IsConflict(err) {
				continue
			}
			return installed, fmt.Errorf("seeding %s: %w", e.Name, err)
		}
		installed = append(installed, e.Name)
	}

	if len(installed) > 0 {
		logger.Info("default units installed", "units", installed)
	}
	return installed, nil
}
