// Copyright 2025 ModelGate
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

package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Export serializes a tenant's full chain in the requested format.
func (s *Service) Export(ctx context.Context, orgID string, format ExportFormat) ([]byte, error) {
	entries, err := s.loadChain(ctx, orgID)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return exportCSV(entries)
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

func exportCSV(entries []*Entry) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)

	header := []string{"id", "timestamp", "org_id", "user_id", "request_id", "type", "data", "previous_hash", "hash", "signature"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range entries {
		dataJSON, _ := json.Marshal(e.Data)
		record := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.OrgID,
			e.UserID,
			e.RequestID,
			string(e.Type),
			string(dataJSON),
			e.PreviousHash,
			e.Hash,
			e.Signature,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
