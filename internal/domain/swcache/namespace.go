package swcache

import (
	"fmt"
	"strings"
)

// Namespace identifies one persistent cache: a version tag plus a bucket. The two
// parts are compared as fields, so "v1" never matches "v1.1" by prefix.
type Namespace struct {
	Version string `json:"version" yaml:"version"`
	Bucket  Bucket `json:"bucket" yaml:"bucket"`
}

func NewNamespace(version string, bucket Bucket) (Namespace, error) {
	ns := Namespace{Version: strings.TrimSpace(version), Bucket: Bucket(strings.TrimSpace(string(bucket)))}
	if err := ns.Validate(); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}

func (n Namespace) Validate() error {
	if n.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidNamespace)
	}
	if n.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidNamespace)
	}
	return nil
}

// IsObsolete reports whether the namespace belongs to a version other than current.
func (n Namespace) IsObsolete(current string) bool {
	return n.Version != current
}

// String is for display only.
func (n Namespace) String() string {
	return n.Version + "/" + string(n.Bucket)
}
