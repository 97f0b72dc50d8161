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

// Package audit maintains the tamper-evident, per-tenant audit chain:
// append-only entries linked by SHA-256 hashes and sealed with
// HMAC-SHA-256 signatures. Prompt and response bodies are stored as
// content hashes, never as plaintext.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EntryType classifies an audit entry.
type EntryType string

const (
	TypeRequest    EntryType = "REQUEST"
	TypeEvaluation EntryType = "EVALUATION"
	TypeRewrite    EntryType = "REWRITE"
	TypeBlock      EntryType = "BLOCK"
	TypePass       EntryType = "PASS"
	TypeError      EntryType = "ERROR"
)

// Entry is a single audit record. Hash covers every field except Hash and
// Signature; Signature is the HMAC of Hash under the integration key.
type Entry struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	OrgID        string                 `json:"org_id"`
	UserID       string                 `json:"user_id,omitempty"`
	RequestID    string                 `json:"request_id"`
	Type         EntryType              `json:"type"`
	Data         map[string]interface{} `json:"data"`
	PreviousHash string                 `json:"previous_hash"`
	Hash         string                 `json:"hash"`
	Signature    string                 `json:"signature"`
}

// ContentHash returns the SHA-256 hex digest of a body. Request and
// response texts are reduced to this before entering the chain.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// ComputeHash produces the entry hash over a canonical length-prefixed
// encoding of every field except Hash and Signature. Length prefixes avoid
// delimiter collisions when freeform data contains separator characters;
// the Data map serializes through encoding/json, which orders keys.
//
// Timestamps are truncated to microseconds before hashing so a hash
// recomputed from a database-roundtripped timestamp still matches.
func ComputeHash(e *Entry) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	dataJSON, _ := json.Marshal(e.Data)
	// Re-encode through a generic value so nested structs hash the same
	// before and after a storage round-trip.
	var generic interface{}
	if json.Unmarshal(dataJSON, &generic) == nil {
		dataJSON, _ = json.Marshal(generic)
	}

	writeField(e.ID)
	writeField(e.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	writeField(e.OrgID)
	writeField(e.UserID)
	writeField(e.RequestID)
	writeField(string(e.Type))
	writeField(string(dataJSON))
	writeField(e.PreviousHash)

	return hex.EncodeToString(h.Sum(nil))
}

// Sign produces the HMAC-SHA-256 signature of an entry hash under the
// integration key.
func Sign(key []byte, hash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal computes and stamps the hash and signature for an entry whose
// PreviousHash is already set.
func Seal(key []byte, e *Entry) {
	e.Hash = ComputeHash(e)
	e.Signature = Sign(key, e.Hash)
}

// VerifyEntry checks one entry's hash and signature in isolation.
func VerifyEntry(key []byte, e *Entry) bool {
	if ComputeHash(e) != e.Hash {
		return false
	}
	expected := Sign(key, e.Hash)
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}

// VerifyResult reports a chain verification outcome.
type VerifyResult struct {
	OK            bool `json:"ok"`
	FirstBadIndex *int `json:"first_bad_index,omitempty"`
	Entries       int  `json:"entries"`
}

// VerifyChain replays a tenant's ordered entries, checking each entry's
// hash, signature, and previous-hash link. The first mutated or reordered
// entry is reported by index. The chain head anchors at the first entry's
// own previous-hash: after archival the genesis entry is gone and the
// survivor still carries the archived prefix's tail hash.
func VerifyChain(key []byte, entries []*Entry) VerifyResult {
	prev := ""
	if len(entries) > 0 {
		prev = entries[0].PreviousHash
	}
	for i, e := range entries {
		if e.PreviousHash != prev || !VerifyEntry(key, e) {
			idx := i
			return VerifyResult{OK: false, FirstBadIndex: &idx, Entries: len(entries)}
		}
		prev = e.Hash
	}
	return VerifyResult{OK: true, Entries: len(entries)}
}
