// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"maps"
	"net/url"
	"slices"
	"strings"
)

const RedactedStr = "<redacted>"

// RedactString hides a non-empty secret.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}

// IsRedactedValue reports whether value is a redaction placeholder, either
// RedactedStr or a run of asterisks.
func IsRedactedValue(value string) bool {
	if value == "" {
		return false
	}
	if value == RedactedStr {
		return true
	}
	return strings.Trim(value, "*") == ""
}

// redactURL masks the userinfo password of a DSN or notification URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}

// Redacted returns a copy of c that is safe to log or print.
func (c *Config) Redacted() Config {
	out := *c
	out.APIToken = RedactString(c.APIToken)
	out.DatabasePassword = RedactString(c.DatabasePassword)
	out.DatabaseDSN = redactURL(c.DatabaseDSN)
	out.RedisPassword = RedactString(c.RedisPassword)
	out.DispatchToken = RedactString(c.DispatchToken)

	out.NotificationURLs = make([]string, len(c.NotificationURLs))
	for i, raw := range c.NotificationURLs {
		out.NotificationURLs[i] = redactURL(raw)
	}

	out.Storages = slices.Clone(c.Storages)
	for i := range out.Storages {
		out.Storages[i].SecretAccessKey = RedactString(out.Storages[i].SecretAccessKey)
	}
	out.Jobs = maps.Clone(c.Jobs)
	return out
}
