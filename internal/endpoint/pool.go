// Package endpoint assigns RPC endpoints to workers round-robin.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrEmptyPool = errors.New("endpoint pool is empty")

// Endpoint is a network service address.
type Endpoint string

func (e Endpoint) String() string {
	return string(e)
}

// Pool is an immutable ordered list of endpoints.
type Pool struct {
	endpoints []Endpoint
}

// NewPool validates the addresses and builds a pool in the given order.
func NewPool(addresses []string) (*Pool, error) {
	if len(addresses) == 0 {
		return nil, ErrEmptyPool
	}

	endpoints := make([]Endpoint, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		u, err := url.Parse(addr)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint %q", addr)
		}
		endpoints = append(endpoints, Endpoint(addr))
	}

	return &Pool{endpoints: endpoints}, nil
}

// Select returns the endpoint at i mod Len.
func (p *Pool) Select(i uint) Endpoint {
	return p.endpoints[i%uint(len(p.endpoints))]
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// First returns the primary endpoint, used for read-only queries.
func (p *Pool) First() Endpoint {
	return p.endpoints[0]
}
