// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package query parses optional filters from URL query strings.
//
// Absent parameters yield zero values; malformed ones are reported so list
// endpoints can answer VALIDATION_ERROR instead of silently widening a filter.
package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// List parses a comma-separated parameter into trimmed, upper-cased entries.
//
// Region codes and similar identifiers are compared upper-cased everywhere.
func List(values url.Values, key string) []string {
	raw := values.Get(key)
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if clean := strings.ToUpper(strings.TrimSpace(part)); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// Bool parses an optional boolean. Nil means the filter was not given.
func Bool(values url.Values, key string) (*bool, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}

	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("query: %s must be a boolean", key)
	}
	return &parsed, nil
}

// Time parses an optional RFC 3339 timestamp. The zero time means not given.
func Time(values url.Values, key string) (time.Time, error) {
	raw := values.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("query: %s must be an RFC 3339 timestamp", key)
	}
	return parsed.UTC(), nil
}
