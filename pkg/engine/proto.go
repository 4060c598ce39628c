// ABOUTME: Wire types for the follower-proxy path and the leader-side request dispatcher.
// ABOUTME: Only ever marshaled when an operation crosses the coordinator's RPC bus.
package engine

import (
	"encoding/json"
	"time"

	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// The request/response pairs below are the JSON payloads carried inside a
// pkg/coordinator Request/Response envelope's Args/Result fields (§4.G).
// They are marshaled only when an operation crosses the bus: a follower
// marshals the request and the leader marshals the response. An operation
// served locally by a leader or solo engine never marshals them.

type putRequest struct {
	Key                []byte `json:"key"`
	Value              []byte `json:"value"`
	ExpiresAtUnixMilli int64  `json:"expires_at_unix_milli,omitempty"`
}

type getRequest struct {
	Key []byte `json:"key"`
}

type getResponse struct {
	Value []byte `json:"value"`
	Found bool   `json:"found"`
}

type deleteRequest struct {
	Key []byte `json:"key"`
}

type deleteResponse struct {
	Existed bool `json:"existed"`
}

type batchRequest struct {
	Encoded []byte `json:"encoded"`
}

type batchResponse struct {
	Count int `json:"count"`
}

type txRequest struct {
	Ops []TxOp `json:"ops"`
}

type scanRequest struct {
	Lo    []byte `json:"lo"`
	Hi    []byte `json:"hi"`
	Limit int    `json:"limit"`
}

type wirePair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type scanResponse struct {
	Pairs []wirePair `json:"pairs"`
}

type verifyResponse struct {
	BadPageIDs []uint64 `json:"bad_page_ids"`
}

type emptyRequest struct{}
type emptyResponse struct{}

// handleProxied is the leader-side dispatch callback registered with
// pkg/coordinator via SetHandler. It decodes method+args and calls the
// same public Engine methods a direct leader-mode call would use, so the
// commit logic is never duplicated between the local and proxied paths.
func (e *Engine) handleProxied(method string, args json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "put":
		var req putRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return nil, e.Put(req.Key, req.Value)

	case "putNoSync":
		var req putRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return nil, e.PutNoSync(req.Key, req.Value)

	case "putWithTTL":
		var req putRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		expiresAt := time.UnixMilli(req.ExpiresAtUnixMilli)
		return nil, e.localPut(req.Key, req.Value, false, &expiresAt)

	case "get":
		var req getRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		value, found, err := e.Get(req.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(getResponse{Value: value, Found: found})

	case "delete":
		var req deleteRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		existed, err := e.Delete(req.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(deleteResponse{Existed: existed})

	case "putBatch":
		var req batchRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		count, err := e.PutBatch(req.Encoded)
		if err != nil {
			return nil, err
		}
		return json.Marshal(batchResponse{Count: count})

	case "commitTransaction":
		var req txRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return nil, e.CommitTransaction(req.Ops)

	case "scanRange":
		var req scanRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		var pairs []wirePair
		err := e.ScanRange(req.Lo, req.Hi, req.Limit, func(key, value []byte) bool {
			pairs = append(pairs, wirePair{Key: key, Value: value})
			return true
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(scanResponse{Pairs: pairs})

	case "verifyIntegrity":
		bad, err := e.VerifyIntegrity()
		if err != nil {
			return nil, err
		}
		return json.Marshal(verifyResponse{BadPageIDs: bad})

	case "flush":
		return nil, e.Flush()

	default:
		return nil, skerrors.BadInput("engine.handleProxied", "unknown method %q", method)
	}
}
