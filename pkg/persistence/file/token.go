package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// TokenRepository handles resumption token file operations.
type TokenRepository struct {
	root  string
	locks keyedMutex
}

func NewTokenRepository(root string) *TokenRepository {
	return &TokenRepository{root: filepath.Join(root, "tokens")}
}

func (tr *TokenRepository) path(value string) string {
	return filepath.Join(tr.root, value+".json")
}

func (tr *TokenRepository) Save(_ context.Context, token *models.ResumptionToken) error {
	err := validateID(token.Value)
	if err != nil {
		return persistence.NewTokenError("Save", token.Value, err)
	}

	unlock := tr.locks.lock(token.Value)
	defer unlock()

	err = writeJSON(tr.path(token.Value), token)
	if err != nil {
		return persistence.NewTokenError("Save", token.Value, err)
	}

	return nil
}

func (tr *TokenRepository) Get(_ context.Context, value string) (*models.ResumptionToken, error) {
	return tr.load("Get", value)
}

func (tr *TokenRepository) load(op, value string) (*models.ResumptionToken, error) {
	err := validateID(value)
	if err != nil {
		return nil, persistence.NewTokenError(op, value, persistence.ErrTokenNotFound)
	}

	var token models.ResumptionToken

	err = readJSON(tr.path(value), &token)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewTokenError(op, value, persistence.ErrTokenNotFound)
		}

		return nil, persistence.NewTokenError(op, value, err)
	}

	return &token, nil
}

func (tr *TokenRepository) Consume(_ context.Context, value string, now time.Time) (*models.ResumptionToken, error) {
	unlock := tr.locks.lock(value)
	defer unlock()

	token, err := tr.load("Consume", value)
	if err != nil {
		return nil, err
	}

	err = persistence.ConsumeToken(token, now)
	if err != nil {
		return nil, err
	}

	err = writeJSON(tr.path(value), token)
	if err != nil {
		return nil, persistence.NewTokenError("Consume", value, err)
	}

	return token, nil
}

func (tr *TokenRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	paths, err := listJSON(tr.root)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, path := range paths {
		var token models.ResumptionToken

		err := readJSON(path, &token)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return deleted, fmt.Errorf("failed to scan tokens: %w", err)
		}

		if !token.ExpiresAt.Before(before) {
			continue
		}

		unlock := tr.locks.lock(token.Value)
		err = os.Remove(path)
		unlock()

		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("failed to delete token %s: %w", token.Value, err)
		}

		deleted++
	}

	return deleted, nil
}
