// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crawler discovers and fetches pages within a project's domain and
// feeds extracted text into the document store.
package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// sessionParams are query parameters that identify a visitor, not a page.
// Keeping them would make the frontier treat the same page as many.
var sessionParams = map[string]bool{
	"sessionid":  true,
	"session_id": true,
	"phpsessid":  true,
	"jsessionid": true,
	"sid":        true,
	"fbclid":     true,
	"gclid":      true,
}

// Normalize resolves href against base and canonicalizes the result:
// lowercase scheme and host, default port stripped, fragment dropped,
// session and tracking parameters removed.
func Normalize(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", href, err)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.RawQuery != "" {
		query := u.Query()
		for param := range query {
			lower := strings.ToLower(param)
			if sessionParams[lower] || strings.HasPrefix(lower, "utm_") {
				query.Del(param)
			}
		}
		u.RawQuery = query.Encode()
	}

	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Origin returns the scheme://host[:port] part used for politeness and
// robots.txt scoping.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
