package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	db := filepath.Join(t.TempDir(), "leadradar.db")
	ctx := context.Background()

	steps := []struct {
		args []string
		want string
	}{
		{args: []string{"up"}, want: "00004_deliveries.sql"},
		{args: []string{"version"}, want: "4"},
		{args: []string{"up"}, want: "no pending migrations"},
		{args: []string{"down"}, want: "00004_deliveries.sql"},
		{args: []string{"status"}, want: "pending"},
		{args: []string{"down-to", "0"}, want: "00001_registry.sql"},
		{args: []string{"version"}, want: "0"},
	}
	for _, s := range steps {
		var out bytes.Buffer
		if err := run(ctx, db, s.args, &out); err != nil {
			t.Fatalf("migrate %v: %v", s.args, err)
		}
		if !strings.Contains(out.String(), s.want) {
			t.Errorf("migrate %v output missing %q:\n%s", s.args, s.want, out.String())
		}
	}
}

func TestRunErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "leadradar.db")
	for _, args := range [][]string{{"sideways"}, {"down-to"}, {"down-to", "-1"}} {
		if err := run(context.Background(), db, args, &bytes.Buffer{}); err == nil {
			t.Errorf("migrate %v: expected error", args)
		}
	}
}
