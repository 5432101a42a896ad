//go:build tools

package repocrypto

// Native fuzz targets are built for OSS-Fuzz with go-118-fuzz-build, which
// must be resolvable from this module.
import _ "github.com/AdamKorcz/go-118-fuzz-build/testing"
