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

// Package retriever provides embedding-based semantic search over tenant
// document chunks: chunking, embedding with an LRU cache and deterministic
// fallback, and per-tenant cosine search.
package retriever

import "strings"

// MaxChunkChars is the greedy packing limit per chunk. Sentences are never
// split across chunks; a single sentence longer than the limit becomes its
// own chunk.
const MaxChunkChars = 1000

// SplitSentences splits text on sentence terminators (., !, ?), keeping the
// terminator with its sentence.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// ChunkContent greedy-packs sentences into chunks of at most MaxChunkChars
// without crossing sentence boundaries. Content with no sentence terminators
// (or empty content) produces a single chunk equal to the whole content.
func ChunkContent(content string) []string {
	sentences := SplitSentences(content)
	if len(sentences) == 0 {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		// +1 for the joining space
		if current.Len() > 0 && current.Len()+1+len(sent) > MaxChunkChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 0 {
		return []string{content}
	}
	return chunks
}
