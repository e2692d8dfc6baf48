package app

import (
	"errors"
	"fmt"
)

const (
	CategoryAPI     = "api"
	CategoryNetwork = "network"
	CategoryCrypto  = "crypto"
	CategoryStorage = "storage"
)

// CategorizedError tags an action failure with the error taxonomy used for
// metrics and logging. Its message is what the user sees in a toast.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func (e *CategorizedError) ErrorCategory() string {
	return e.Category
}

func apiError(format string, args ...any) error {
	return &CategorizedError{Category: CategoryAPI, Err: fmt.Errorf(format, args...)}
}

func storageError(err error) error {
	return categorize(CategoryStorage, err)
}

func networkError(err error) error {
	return categorize(CategoryNetwork, err)
}

func cryptoError(err error) error {
	return categorize(CategoryCrypto, err)
}

func categorize(category string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}
	return &CategorizedError{Category: category, Err: err}
}

// errorCategory falls back to api for errors nobody classified.
func errorCategory(err error) string {
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.Category != "" {
		return ce.Category
	}
	return CategoryAPI
}
