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

package server

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/docstore"
)

const uploadTimeout = 30 * time.Second

// importReport summarizes a QA bulk import.
type importReport struct {
	Imported   int      `json:"imported"`
	Skipped    int      `json:"skipped"`
	Duplicates int      `json:"duplicates"`
	Truncated  int      `json:"truncated"`
	Errors     []string `json:"errors"`
}

// qaRow is one parsed spreadsheet row.
type qaRow struct {
	question string
	answer   string
	priority float64
}

// handleQAUpload ingests QA pairs from a CSV or XLSX file. Rows longer
// than the per-field caps are truncated and counted, not rejected.
func (s *Server) handleQAUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), uploadTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apierr.Validation("file", "upload too large or malformed"))
		return
	}

	slug := r.FormValue("project")
	if slug == "" {
		writeError(w, apierr.Validation("project", "project is required"))
		return
	}
	if _, err := s.deps.Projects.Get(ctx, slug); err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierr.Validation("file", "file is required"))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !validUploadType(ext, header.Header.Get("Content-Type")) {
		writeError(w, apierr.Validation("file", "content type does not match file extension"))
		return
	}

	var rows []qaRow
	var parseErrs []string
	switch ext {
	case ".csv":
		rows, parseErrs, err = parseCSV(file)
	case ".xlsx":
		rows, parseErrs, err = parseXLSX(file)
	default:
		writeError(w, apierr.Validation("file", "unsupported file type, expected .csv or .xlsx"))
		return
	}
	if err != nil {
		writeError(w, apierr.Validation("file", err.Error()))
		return
	}

	report := importReport{Errors: parseErrs}
	for _, row := range rows {
		if row.question == "" || row.answer == "" {
			report.Skipped++
			continue
		}

		question := truncate(row.question, docstore.MaxQuestionLen)
		answer := truncate(row.answer, docstore.MaxAnswerLen)
		if len(question) < len(row.question) || len(answer) < len(row.answer) {
			report.Truncated++
		}

		created, err := s.deps.Docs.AddQAPair(ctx, &docstore.QAPair{
			Project:  slug,
			Question: question,
			Answer:   answer,
			Priority: row.priority,
		})
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if created {
			report.Imported++
		} else {
			report.Duplicates++
		}
	}
	if report.Errors == nil {
		report.Errors = []string{}
	}
	writeJSON(w, http.StatusOK, &report)
}

// parseCSV reads rows of question, answer, optional priority. A header
// row is detected and skipped.
func parseCSV(file io.Reader) ([]qaRow, []string, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var rows []qaRow
	var errs []string
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if line == 1 && isHeaderRow(record) {
			continue
		}
		row, ok := recordToRow(record)
		if !ok {
			errs = append(errs, fmt.Sprintf("line %d: expected question and answer columns", line))
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs, nil
}

// parseXLSX reads the first sheet with the same column layout as CSV.
func parseXLSX(file io.Reader) ([]qaRow, []string, error) {
	book, err := excelize.OpenReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("spreadsheet has no sheets")
	}
	records, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet: %w", err)
	}

	var rows []qaRow
	var errs []string
	for i, record := range records {
		if i == 0 && isHeaderRow(record) {
			continue
		}
		row, ok := recordToRow(record)
		if !ok {
			errs = append(errs, fmt.Sprintf("row %d: expected question and answer columns", i+1))
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs, nil
}

func recordToRow(record []string) (qaRow, bool) {
	if len(record) < 2 {
		return qaRow{}, false
	}
	row := qaRow{
		question: strings.TrimSpace(record[0]),
		answer:   strings.TrimSpace(record[1]),
	}
	if len(record) >= 3 && record[2] != "" {
		if priority, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64); err == nil {
			row.priority = priority
		}
	}
	return row, true
}

// uploadMIMEs lists the declared content types accepted per extension.
// Browsers often send application/octet-stream or omit the part header, so
// both pass; anything else must match the extension.
var uploadMIMEs = map[string]map[string]bool{
	".csv": {
		"text/csv":        true,
		"application/csv": true,
		"text/plain":      true,
	},
	".xlsx": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
		"application/vnd.ms-excel": true,
		"application/zip":          true,
	},
}

func validUploadType(ext, contentType string) bool {
	allowed, ok := uploadMIMEs[ext]
	if !ok {
		// Unknown extensions are rejected by the dispatch below.
		return true
	}
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if mediaType == "application/octet-stream" {
		return true
	}
	return allowed[mediaType]
}

func isHeaderRow(record []string) bool {
	if len(record) < 2 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(record[0]))
	return first == "question" || first == "q"
}
