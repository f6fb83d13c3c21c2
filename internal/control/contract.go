package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ModuleID identifies one supervised module process. Any positive 64-bit
// value is valid; the registry attaches no meaning beyond identity.
type ModuleID uint64

// Well-known module ids. Documentation value only.
const (
	ModuleStorage ModuleID = 2000
	ModuleSync    ModuleID = 2100
)

// Inbound methods a module invokes on the hypervisor.
const (
	ActionModuleReady    = "module_ready"
	ActionModuleShutdown = "module_shutdown"
)

// Outbound methods the hypervisor invokes on a module control endpoint.
const (
	ActionShutdown = "shutdown"
	ActionStatus   = "status"
)

const maxLineBytes = 64 * 1024

var (
	ErrInvalidRequest  = errors.New("control: invalid request")
	ErrInvalidResponse = errors.New("control: invalid response")
	ErrLineTooLarge    = errors.New("control: message too large")
)

// Request is one control call envelope, both directions.
type Request struct {
	Action       string   `json:"action"`
	ModuleID     ModuleID `json:"module_id,omitempty"`
	CallbackAddr string   `json:"callback_addr,omitempty"`
}

func (r Request) Validate() error {
	switch strings.TrimSpace(r.Action) {
	case "":
		return fmt.Errorf("%w: missing action", ErrInvalidRequest)
	case ActionModuleReady:
		if r.ModuleID == 0 {
			return fmt.Errorf("%w: %s requires module_id", ErrInvalidRequest, ActionModuleReady)
		}
		if strings.TrimSpace(r.CallbackAddr) == "" {
			return fmt.Errorf("%w: %s requires callback_addr", ErrInvalidRequest, ActionModuleReady)
		}
	case ActionModuleShutdown:
		if r.ModuleID == 0 {
			return fmt.Errorf("%w: %s requires module_id", ErrInvalidRequest, ActionModuleShutdown)
		}
	}
	return nil
}

// Response is one control call result envelope. Ack carries the synchronous
// boolean acknowledgement the module side blocks on; it signals receipt, not
// success or failure.
type Response struct {
	OK    bool            `json:"ok"`
	Ack   bool            `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeLine(w, req)
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	if err := readLine(r, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func WriteResponse(w io.Writer, resp Response) error {
	return writeLine(w, resp)
}

func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	if err := readLine(r, &resp); err != nil {
		return Response{}, err
	}
	if !resp.OK && strings.TrimSpace(resp.Error) == "" {
		return Response{}, fmt.Errorf("%w: rejected without error detail", ErrInvalidResponse)
	}
	return resp, nil
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if len(line) > maxLineBytes {
		return ErrLineTooLarge
	}
	return json.Unmarshal(line, v)
}
