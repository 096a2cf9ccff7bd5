package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/pkg/errors"
)

func TestBuildMissingDefinition(t *testing.T) {
	s := BuildService{}
	_, err := s.Build(context.Background(), protocol.BuildRequest{
		Definition: filepath.Join(t.TempDir(), "stagebuild.yaml"),
		Output:     t.TempDir(),
	})

	var res *protocol.ErrorResult
	if !errors.As(err, &res) {
		t.Fatalf("err = %v, want *protocol.ErrorResult", err)
	}
	if res.Message == "" || res.Record != "" {
		t.Fatalf("result = %+v", res)
	}
}
