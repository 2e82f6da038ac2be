// Package uuid provides the UUID implementation of registry.IDGenerator.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces random (v4) UUIDs.
type Generator struct{}

// NewGenerator returns a UUID Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUID string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
