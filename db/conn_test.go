package db

import (
	"context"
	"testing"

	"covenant/config"
)

func TestNewPoolRejectsEmptyURL(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}

func TestNewPoolRejectsMalformedURL(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{URL: "postgres://%zz"})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}
