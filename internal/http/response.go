package http

import (
	"metastate/pkg/metamap"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status   Status          `json:"status,omitempty"`
	Value    string          `json:"value,omitempty"`
	Node     *NodeView       `json:"node,omitempty"`
	Nodes    []NodeView      `json:"nodes,omitempty"`
	Result   *metamap.Result `json:"result,omitempty"`
	LeaderID uint64          `json:"leader_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NodeView is a metamap entry as returned by the API. Values are returned
// as strings.
type NodeView struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Revision uint64 `json:"revision"`
	Token    uint64 `json:"token"`
	Created  string `json:"created"`
	Modified string `json:"modified"`
}

func newNodeView(e metamap.Entry) NodeView {
	return NodeView{
		Key:      e.Key,
		Value:    string(e.Value),
		Revision: e.Revision,
		Token:    e.Token,
		Created:  e.Created.UTC().Format(timeFormat),
		Modified: e.Modified.UTC().Format(timeFormat),
	}
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewResultResponse(res metamap.Result) Response {
	return Response{Status: StatusSuccess, Result: &res}
}

func NewNodeResponse(e metamap.Entry) Response {
	v := newNodeView(e)
	return Response{Status: StatusSuccess, Node: &v, Value: v.Value}
}

func NewNodesResponse(entries []metamap.Entry) Response {
	views := make([]NodeView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newNodeView(e))
	}
	return Response{Status: StatusSuccess, Nodes: views}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
