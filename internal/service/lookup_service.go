package service

import (
	"context"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// LookupService answers lookups by (locus, typing method, lookup name)
type LookupService struct {
	cache  *LookupCache
	logger *zap.Logger
}

// NewLookupService creates a new lookup service
func NewLookupService(cache *LookupCache, logger *zap.Logger) *LookupService {
	return &LookupService{
		cache:  cache,
		logger: logger,
	}
}

// Lookup returns the entry for one lookup name of a dataset version
func (s *LookupService) Lookup(
	ctx context.Context,
	dataset, version string,
	locus model.Locus,
	method model.TypingMethod,
	lookupName string,
) (model.LookupEntry, error) {
	if err := validateTarget(dataset, version); err != nil {
		return model.LookupEntry{}, err
	}

	pk, rk, err := keys.EntryKeys(model.LookupEntry{
		Locus:        locus,
		TypingMethod: method,
		LookupName:   lookupName,
	})
	if err != nil {
		return model.LookupEntry{}, err
	}

	entry, err := s.cache.Get(ctx, dataset, version, pk, rk)
	if err != nil {
		s.logger.Debug("Lookup failed",
			zap.String("dataset", dataset),
			zap.String("version", version),
			zap.String("partition_key", pk),
			zap.String("row_key", rk),
			zap.Error(err))
		return model.LookupEntry{}, err
	}
	return entry, nil
}

// Entries returns every entry of a dataset version ordered by key
func (s *LookupService) Entries(ctx context.Context, dataset, version string) ([]model.LookupEntry, error) {
	if err := validateTarget(dataset, version); err != nil {
		return nil, err
	}
	return s.cache.GetAll(ctx, dataset, version)
}

// Invalidate drops the cached snapshot of a dataset version
func (s *LookupService) Invalidate(dataset, version string) error {
	if err := validateTarget(dataset, version); err != nil {
		return err
	}
	s.cache.Invalidate(dataset, version)
	return nil
}

func validateTarget(dataset, version string) error {
	if dataset == "" {
		return errors.InvalidArgument("dataset is required", nil)
	}
	if version == "" {
		return errors.InvalidArgument("version is required", nil)
	}
	return nil
}
