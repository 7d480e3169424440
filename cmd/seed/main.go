// Command seed loads characters from a JSON file into the configured store.
//
//	seed -file characters.json [-config config.yaml]
//
// The file holds an array of characters; abilities left out default to 8.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"dungeon-agent/internal/bootstrap"
	"dungeon-agent/internal/config"
	"dungeon-agent/internal/domain"
	"dungeon-agent/internal/repository"
)

func main() {
	file := flag.String("file", "", "path to the characters JSON file")
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	flag.Parse()

	if err := run(context.Background(), *file, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, file, configFile string) error {
	if file == "" {
		return errors.New("-file is required")
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := bootstrap.Logger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	characters, err := decodeCharacters(f)
	if err != nil {
		return err
	}

	store, err := bootstrap.Store(ctx, cfg.Store, bootstrap.NewAWS())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := seed(ctx, store, characters)
	logger.Info("characters seeded", zap.Int("count", n), zap.String("backend", cfg.Store.Backend))
	return err
}

func decodeCharacters(r io.Reader) ([]domain.Character, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode characters: %w", err)
	}
	out := make([]domain.Character, 0, len(raw))
	for i, item := range raw {
		c := domain.Character{Sheet: domain.NewCharacterSheet()}
		if err := json.Unmarshal(item, &c); err != nil {
			return nil, fmt.Errorf("decode character %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func seed(ctx context.Context, w repository.CharacterWriter, characters []domain.Character) (int, error) {
	for i, c := range characters {
		if err := w.PutCharacter(ctx, c); err != nil {
			return i, fmt.Errorf("put character %q: %w", c.ID, err)
		}
	}
	return len(characters), nil
}
