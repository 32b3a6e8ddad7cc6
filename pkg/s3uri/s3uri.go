// Package s3uri parses the two URI forms this provider accepts: the
// canonical "s3://bucket/key" form and the "s3x://" form that carries an
// explicit endpoint and optional inline credentials.
package s3uri

import (
	"net/url"
	"strings"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// Location is the parsed result of an s3:// or s3x:// URI.
type Location struct {
	Endpoint  string // empty for the canonical "s3://" form
	Protocol  string // "http" or "https"; only meaningful when Endpoint != ""
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
}

// HasEndpoint reports whether the URI carried an explicit endpoint/host,
// i.e. whether it was an "s3x://" URI rather than a canonical "s3://" one.
func (l Location) HasEndpoint() bool {
	return l.Endpoint != ""
}

// Parse parses raw as either an "s3://bucket/key" or an
// "s3x://[access:secret@]host[:port]/bucket/key" URI. protocol is the scheme
// ("http" or "https") used to build the endpoint URL for "s3x://" hosts, per
// spec §6's s3.spi.endpoint-protocol knob; an empty protocol defaults to
// "https". It has no effect on the canonical "s3://" form.
func Parse(raw string, protocol string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fserrors.New(fserrors.InvalidPath, "s3uri.Parse").
			WithContext("uri", raw).WithCause(err)
	}

	switch u.Scheme {
	case "s3":
		return parseCanonical(u)
	case "s3x":
		return parseEndpoint(u, protocol)
	default:
		return Location{}, fserrors.New(fserrors.InvalidPath, "s3uri.Parse").
			WithContext("scheme", u.Scheme)
	}
}

func parseCanonical(u *url.URL) (Location, error) {
	bucket := u.Host
	if bucket == "" {
		return Location{}, fserrors.New(fserrors.InvalidPath, "s3uri.Parse").
			WithContext("reason", "missing bucket")
	}
	return Location{
		Bucket: bucket,
		Key:    strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func parseEndpoint(u *url.URL, protocol string) (Location, error) {
	if u.Host == "" {
		return Location{}, fserrors.New(fserrors.InvalidPath, "s3uri.Parse").
			WithContext("reason", "missing endpoint host")
	}
	if protocol == "" {
		protocol = "https"
	}

	loc := Location{
		Endpoint: protocol + "://" + u.Host,
		Protocol: protocol,
	}
	if u.User != nil {
		loc.AccessKey = u.User.Username()
		loc.SecretKey, _ = u.User.Password()
	}

	segments := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if segments[0] == "" {
		return Location{}, fserrors.New(fserrors.InvalidPath, "s3uri.Parse").
			WithContext("reason", "missing bucket")
	}
	loc.Bucket = segments[0]
	if len(segments) == 2 {
		loc.Key = segments[1]
	}
	return loc, nil
}
