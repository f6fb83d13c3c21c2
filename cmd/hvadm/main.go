package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/hvisor/internal/control"
)

// adminRequest mirrors the hypervisor admin control envelope.
type adminRequest struct {
	Action   string           `json:"action"`
	ModuleID control.ModuleID `json:"module_id,omitempty"`
}

type adminResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hvadm [-addr host:port] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status               print hypervisor registry counts")
	fmt.Fprintln(os.Stderr, "  modules              list tracked module records")
	fmt.Fprintln(os.Stderr, "  register <module-id> add a module to the registry")
	fmt.Fprintln(os.Stderr, "  shutdown <module-id> command a module to shut down")
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9110", "hypervisor admin control address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hvadm: %v\n", err)
		os.Exit(2)
	}

	data, err := call(*addr, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hvadm: %v\n", err)
		os.Exit(1)
	}
	printData(data)
}

// buildRequest maps CLI arguments onto one admin control request.
func buildRequest(args []string) (adminRequest, error) {
	switch args[0] {
	case "status":
		return adminRequest{Action: "status"}, nil
	case "modules":
		return adminRequest{Action: "modules"}, nil
	case "register", "shutdown":
		if len(args) < 2 {
			return adminRequest{}, fmt.Errorf("%s requires a module id", args[0])
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || id == 0 {
			return adminRequest{}, fmt.Errorf("invalid module id: %q", args[1])
		}
		action := "register_module"
		if args[0] == "shutdown" {
			action = "shutdown_module"
		}
		return adminRequest{Action: action, ModuleID: control.ModuleID(id)}, nil
	default:
		return adminRequest{}, fmt.Errorf("unknown command: %q", args[0])
	}
}

// call sends one admin request over a fresh connection and decodes the
// response payload.
func call(addr string, req adminRequest) (json.RawMessage, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp adminResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func printData(data json.RawMessage) {
	if len(data) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty any
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Println(string(data))
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(out))
}
