package vectorstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

func TestQdrantConfig_Defaults(t *testing.T) {
	cfg := vectorstore.QdrantConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port, "gRPC port, not the HTTP REST port")
	assert.Equal(t, "communities", cfg.Collection)
	assert.Equal(t, uint64(vectorstore.VectorSize), cfg.VectorSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*vectorstore.QdrantConfig)
	}{
		{name: "empty host", mutate: func(c *vectorstore.QdrantConfig) { c.Host = "" }},
		{name: "negative port", mutate: func(c *vectorstore.QdrantConfig) { c.Port = -1 }},
		{name: "port too large", mutate: func(c *vectorstore.QdrantConfig) { c.Port = 70000 }},
		{name: "empty collection", mutate: func(c *vectorstore.QdrantConfig) { c.Collection = "" }},
		{name: "zero vector size", mutate: func(c *vectorstore.QdrantConfig) { c.VectorSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := vectorstore.QdrantConfig{}
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), vectorstore.ErrInvalidConfig)
		})
	}
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid simple", input: "communities"},
		{name: "valid with underscore and digits", input: "communities_v2"},
		{name: "empty", input: "", wantErr: true},
		{name: "uppercase", input: "Communities", wantErr: true},
		{name: "path traversal", input: "../etc/passwd", wantErr: true},
		{name: "spaces", input: "my collection", wantErr: true},
		{name: "too long", input: "a_very_long_collection_name_that_exceeds_the_sixty_four_character_limit", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vectorstore.ValidateCollectionName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unavailable", err: status.Error(codes.Unavailable, "connection refused"), want: true},
		{name: "deadline exceeded", err: status.Error(codes.DeadlineExceeded, "timeout"), want: true},
		{name: "aborted", err: status.Error(codes.Aborted, "conflict"), want: true},
		{name: "resource exhausted", err: status.Error(codes.ResourceExhausted, "rate limited"), want: true},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad vector"), want: false},
		{name: "not found", err: status.Error(codes.NotFound, "no collection"), want: false},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "bad key"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vectorstore.IsTransientError(tt.err))
		})
	}
}
