package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigRead reports a configuration file that exists but cannot be read.
	ErrConfigRead = errors.New("config read error")
	// ErrConfigParse reports a configuration file whose content is malformed.
	ErrConfigParse = errors.New("config parse error")
)

// ReadError wraps the I/O failure encountered while reading the file.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read config file %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrConfigRead }

// ParseError wraps the decode or validation failure for the file content.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse config file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrConfigParse }
