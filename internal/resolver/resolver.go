/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
)

const Scheme = "httpcg"

var (
	ErrInvalidURL = errors.New("invalid httpcg URL")
	ErrUnresolved = errors.New("logical URL not resolvable")
)

// URL is a parsed httpcg:// address. Host may be a domain or a DID.
type URL struct {
	Host     string
	Port     int // 0 when absent
	Path     string
	RawQuery string
	Fragment string
}

func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	out := &URL{
		Host:     u.Hostname(),
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
	}
	if out.Path == "" {
		out.Path = "/"
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("%w: port %q", ErrInvalidURL, p)
		}
		out.Port = n
	}
	return out, nil
}

func (u *URL) String() string {
	s := Scheme + "://" + u.authority() + u.Path
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		s += "#" + u.Fragment
	}
	return s
}

// RequestURI is the path and query, as sent on the wire.
func (u *URL) RequestURI() string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func (u *URL) authority() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Endpoint is the physical location behind a logical URL.
type Endpoint struct {
	Logical   *URL
	Host      string
	Port      int
	ServerDID string
}

// Address is host:port for dialing.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL is the physical https:// URL of the logical request.
func (e *Endpoint) URL() string {
	return "https://" + e.Address() + e.Logical.RequestURI()
}

type Resolver interface {
	Resolve(ctx context.Context, logicalURL string) (*Endpoint, error)
}

// Target is where a StaticResolver sends a logical host.
type Target struct {
	Host      string
	Port      int
	ServerDID string
}

// StaticResolver maps logical hosts to fixed targets. Unmapped hosts
// resolve to themselves on 443 when Passthrough is set.
type StaticResolver struct {
	Passthrough bool

	mu      sync.RWMutex
	targets map[string]Target
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{targets: map[string]Target{}}
}

func (r *StaticResolver) Add(logicalHost string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Port == 0 {
		t.Port = 443
	}
	r.targets[logicalHost] = t
}

func (r *StaticResolver) Resolve(ctx context.Context, logicalURL string) (*Endpoint, error) {
	u, err := ParseURL(logicalURL)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	t, ok := r.targets[u.authority()]
	if !ok {
		t, ok = r.targets[u.Host]
	}
	r.mu.RUnlock()

	if !ok {
		if !r.Passthrough {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, u.authority())
		}
		t = Target{Host: u.Host, Port: u.Port}
		if t.Port == 0 {
			t.Port = 443
		}
	}
	return &Endpoint{Logical: u, Host: t.Host, Port: t.Port, ServerDID: t.ServerDID}, nil
}
