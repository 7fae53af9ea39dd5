package jsbridge

import (
	"strings"

	"github.com/pkg/errors"
)

// splitOp splits "A.B.method" into the object path and the method name.
func splitOp(op string) ([]string, string, error) {
	i := strings.LastIndexByte(op, '.')
	if i <= 0 || i == len(op)-1 {
		return nil, "", errors.Errorf("operation %q is not of the form Namespace.method", op)
	}
	path := strings.Split(op[:i], ".")
	for _, p := range path {
		if p == "" {
			return nil, "", errors.Errorf("operation %q has an empty path segment", op)
		}
	}
	return path, op[i+1:], nil
}

// namespaceOf returns the first path segment of op.
func namespaceOf(op string) string {
	if i := strings.IndexByte(op, '.'); i >= 0 {
		return op[:i]
	}
	return op
}
