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

package crawler

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strings"
)

// sitemapMaxURLs caps how many sitemap entries are merged into the
// frontier; max_pages still bounds what actually gets fetched.
const sitemapMaxURLs = 5000

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// discoverSitemap fetches <origin>/sitemap.xml and returns its URLs. A
// sitemap index is followed one level deep. Absence or malformed XML is not
// an error; the crawl just proceeds from the seed.
func discoverSitemap(ctx context.Context, f *fetcher, origin string) []string {
	return fetchSitemap(ctx, f, origin+"/sitemap.xml", true)
}

func fetchSitemap(ctx context.Context, f *fetcher, sitemapURL string, followIndex bool) []string {
	result, err := f.Fetch(ctx, sitemapURL)
	if err != nil {
		slog.Debug("No sitemap", "url", sitemapURL, "error", err)
		return nil
	}
	if !strings.Contains(result.ContentType, "xml") && !strings.Contains(result.ContentType, "text/plain") {
		return nil
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(result.Body, &set); err == nil && len(set.URLs) > 0 {
		urls := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			if loc := strings.TrimSpace(u.Loc); loc != "" {
				urls = append(urls, loc)
			}
			if len(urls) >= sitemapMaxURLs {
				break
			}
		}
		return urls
	}

	if !followIndex {
		return nil
	}
	var index sitemapIndex
	if err := xml.Unmarshal(result.Body, &index); err != nil {
		return nil
	}
	var urls []string
	for _, child := range index.Sitemaps {
		loc := strings.TrimSpace(child.Loc)
		if loc == "" {
			continue
		}
		urls = append(urls, fetchSitemap(ctx, f, loc, false)...)
		if len(urls) >= sitemapMaxURLs {
			urls = urls[:sitemapMaxURLs]
			break
		}
	}
	return urls
}
