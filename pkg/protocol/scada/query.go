// Copyright 2024 The plantgate Authors
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

package scada

import (
	"encoding/json"
	"fmt"
)

// HistoryQuery is a history query ready to publish.
type HistoryQuery struct {
	Seq     int64
	Payload []byte
}

// PrepareHistoryQuery rewrites a client supplied query object before it is
// published: the reply-to topic is forced to responseTopic and a missing or
// non-numeric seq is replaced with nextSeq(). Unknown fields are kept.
func PrepareHistoryQuery(payload json.RawMessage, responseTopic string, nextSeq func() int64) (*HistoryQuery, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: history query: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: history query is null", ErrMalformedMessage)
	}

	var seq Float
	if raw, ok := fields["seq"]; ok {
		_ = seq.UnmarshalJSON(raw)
	}
	q := &HistoryQuery{}
	if seq.Valid {
		q.Seq = int64(seq.Value)
	} else {
		q.Seq = nextSeq()
	}

	seqRaw, _ := json.Marshal(q.Seq)
	topicRaw, _ := json.Marshal(responseTopic)
	fields["seq"] = seqRaw
	fields["topic"] = topicRaw

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: history query: %v", ErrMalformedMessage, err)
	}
	q.Payload = out
	return q, nil
}

// Reseq replaces the seq of a prepared query.
func (q *HistoryQuery) Reseq(seq int64) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(q.Payload, &fields); err != nil {
		return fmt.Errorf("%w: history query: %v", ErrMalformedMessage, err)
	}
	seqRaw, _ := json.Marshal(seq)
	fields["seq"] = seqRaw
	out, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: history query: %v", ErrMalformedMessage, err)
	}
	q.Seq = seq
	q.Payload = out
	return nil
}
