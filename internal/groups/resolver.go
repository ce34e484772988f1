package groups

import (
	"context"
	"fmt"
	"strings"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

// PathResolver resolves composite paths of the form "service.name" locally,
// without calling out to a group service. The first dot splits service from
// name, so "local.students.year1" resolves to service "local" and name
// "students.year1".
type PathResolver struct{}

// NewPathResolver returns the local path-splitting resolver.
func NewPathResolver() *PathResolver { return &PathResolver{} }

func (PathResolver) Resolve(_ context.Context, path string) (storage.GroupIdentity, error) {
	service, name, ok := strings.Cut(path, ".")
	if !ok || service == "" || name == "" {
		return storage.GroupIdentity{}, fmt.Errorf("malformed group path %q, want service.name", path)
	}
	return storage.GroupIdentity{Service: service, Name: name}, nil
}
