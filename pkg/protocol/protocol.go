// Package protocol names the logical channels coordination messages travel
// on and parses their versioned identifiers.
package protocol

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Channel identifiers, one per protocol family.
const (
	Intent  = "/accord/intent/1.0.0"
	Voting  = "/accord/vote/1.0.0"
	Session = "/accord/session/1.0.0"
	Gossip  = "/accord/gossip/1.0.0"
)

// Channels returns every channel a node listens on.
func Channels() []string {
	return []string{Intent, Voting, Session, Gossip}
}

// ID is a parsed protocol channel identifier.
type ID struct {
	Namespace string
	Name      string
	Version   *semver.Version
}

func (id ID) String() string {
	return fmt.Sprintf("/%s/%s/%s", id.Namespace, id.Name, id.Version)
}

// Parse splits a channel identifier of the form /namespace/name/version and
// validates the version as semver. Any well-formed string parses; whether a
// handler listens on the channel is the router's concern.
func Parse(channel string) (ID, error) {
	parts := strings.Split(strings.TrimPrefix(channel, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ID{}, fmt.Errorf("protocol: malformed channel %q", channel)
	}
	version, err := semver.StrictNewVersion(parts[2])
	if err != nil {
		return ID{}, fmt.Errorf("protocol: invalid version in %q: %w", channel, err)
	}
	return ID{Namespace: parts[0], Name: parts[1], Version: version}, nil
}

// Compatible reports whether two channels share namespace, name, and major
// version.
func Compatible(a, b string) bool {
	pa, err := Parse(a)
	if err != nil {
		return false
	}
	pb, err := Parse(b)
	if err != nil {
		return false
	}
	return pa.Namespace == pb.Namespace && pa.Name == pb.Name &&
		pa.Version.Major() == pb.Version.Major()
}
