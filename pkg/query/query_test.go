// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package query_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/pkg/query"
)

/*
TestList splits, trims and upper-cases comma-separated values.
*/
func TestList(t *testing.T) {
	values := url.Values{"region": {" fuk, tyo ,,osa "}}
	assert.Equal(t, []string{"FUK", "TYO", "OSA"}, query.List(values, "region"))
	assert.Nil(t, query.List(values, "missing"))
}

/*
TestBool distinguishes absent, valid and malformed flags.
*/
func TestBool(t *testing.T) {
	got, err := query.Bool(url.Values{}, "active")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = query.Bool(url.Values{"active": {"false"}}, "active")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, *got)

	_, err = query.Bool(url.Values{"active": {"maybe"}}, "active")
	assert.Error(t, err)
}

/*
TestTime parses RFC 3339 timestamps into UTC.
*/
func TestTime(t *testing.T) {
	got, err := query.Time(url.Values{"since": {"2026-04-01T18:00:00+09:00"}}, "since")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), got)

	got, err = query.Time(url.Values{}, "since")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = query.Time(url.Values{"since": {"yesterday"}}, "since")
	assert.Error(t, err)
}
