// Package protocol validates the {name, version} envelope every request
// carries and decides major-version compatibility against the server's
// current protocol version.
package protocol

import (
	"strconv"
	"strings"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
)

// Validate checks that p names the forrst protocol and is major-version
// compatible with current. Minor/patch differences are accepted; a major
// mismatch is a protocol-level rejection the caller cannot recover from
// without a different client version.
func Validate(p domain.Protocol, current string) error {
	if p.Name != domain.ProtocolName {
		return forrsterr.Newf(forrsterr.CodeInvalidProtocolVersion, "unknown protocol %q", p.Name)
	}
	if p.Version == "" {
		return forrsterr.New(forrsterr.CodeInvalidProtocolVersion, "protocol.version is required")
	}
	reqMajor, err := majorOf(p.Version)
	if err != nil {
		return forrsterr.Newf(forrsterr.CodeInvalidProtocolVersion, "malformed protocol version %q", p.Version)
	}
	curMajor, err := majorOf(current)
	if err != nil {
		return forrsterr.Newf(forrsterr.CodeInvalidProtocolVersion, "malformed server protocol version %q", current)
	}
	if reqMajor != curMajor {
		return forrsterr.Newf(forrsterr.CodeInvalidProtocolVersion,
			"protocol major version %d incompatible with server major version %d", reqMajor, curMajor)
	}
	return nil
}

func majorOf(version string) (int, error) {
	major := version
	if i := strings.IndexByte(version, '.'); i >= 0 {
		major = version[:i]
	}
	return strconv.Atoi(major)
}
