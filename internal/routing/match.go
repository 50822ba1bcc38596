// Package routing derives fallback poll URLs from stream URLs and matches
// status-server paths.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoStreamSegment is returned when a stream URL has no "stream" path
// segment to substitute.
var ErrNoStreamSegment = errors.New("routing: stream URL has no /stream/ path segment")

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// TrailingSegment returns the single path segment following prefix, or
// false when path does not match prefix or has more than one segment
// after it. "/admin/feeds/ward-1" with prefix "/admin/feeds" yields "ward-1".
func TrailingSegment(path, prefix string) (string, bool) {
	if !MatchesPrefix(path, prefix) {
		return "", false
	}
	rest := strings.Trim(path[len(prefix):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// PollURL derives the snapshot URL for a stream URL by replacing the last
// whole "stream" path segment with "poll". Query and fragment are kept.
//
//	https://host/api/stream/ward-1?lang=en → https://host/api/poll/ward-1?lang=en
//
// Partial matches such as "/streams/" or "/livestream/" are not replaced.
func PollURL(streamURL string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("routing: parse stream URL: %w", err)
	}
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "stream" {
			segments[i] = "poll"
			u.Path = strings.Join(segments, "/")
			u.RawPath = ""
			return u.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoStreamSegment, streamURL)
}
