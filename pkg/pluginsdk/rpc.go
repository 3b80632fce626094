// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/rpc"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// RPCPlugin implements go-plugin's Plugin interface over net/rpc.
// The plugin process serves Impl; the host side gets an RPC client that
// satisfies the Plugin interface.
type RPCPlugin struct {
	Impl Plugin
}

var _ hashiplug.Plugin = (*RPCPlugin)(nil)

// Server returns the RPC server wrapping the implementation
// (plugin-process side).
func (p *RPCPlugin) Server(*hashiplug.MuxBroker) (any, error) {
	if p.Impl == nil {
		return nil, errors.New("pluginsdk: no plugin implementation to serve")
	}
	return &rpcServer{impl: p.Impl}, nil
}

// Client returns a Plugin backed by the RPC connection (host side).
func (p *RPCPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// Wire types. net/rpc uses gob, so payloads travel as raw JSON bytes.

// CommandArgs carries an ExecuteCommand invocation.
type CommandArgs struct {
	Name   string
	Params []byte
}

// CommandReply carries an ExecuteCommand result. Err and ErrCode are set
// instead of a transport error so the host keeps the error code.
type CommandReply struct {
	Result  []byte
	Err     string
	ErrCode string
}

// ConfigArgs carries a Configure invocation.
type ConfigArgs struct {
	Config []byte
}

// DependencyArgs carries an OnDependencyChanged notification.
type DependencyArgs struct {
	ID    string
	State string
}

// rpcServer runs inside the plugin process and forwards calls to the
// implementation. net/rpc provides no context; handlers get Background.
type rpcServer struct {
	impl Plugin
}

func (s *rpcServer) Metadata(_ struct{}, reply *Metadata) error {
	md, err := s.impl.Metadata(context.Background())
	if err != nil {
		return err
	}
	*reply = md
	return nil
}

func (s *rpcServer) Initialize(_ struct{}, _ *struct{}) error {
	return s.impl.Initialize(context.Background())
}

func (s *rpcServer) Shutdown(_ struct{}, _ *struct{}) error {
	return s.impl.Shutdown(context.Background())
}

func (s *rpcServer) ExecuteCommand(args CommandArgs, reply *CommandReply) error {
	result, err := s.impl.ExecuteCommand(context.Background(), args.Name, args.Params)
	if err != nil {
		reply.Err = err.Error()
		reply.ErrCode = string(plugerr.CodeOf(err))
		return nil
	}
	reply.Result = result
	return nil
}

func (s *rpcServer) AvailableCommands(_ struct{}, reply *[]string) error {
	cmds, err := s.impl.AvailableCommands(context.Background())
	if err != nil {
		return err
	}
	*reply = cmds
	return nil
}

func (s *rpcServer) Configure(args ConfigArgs, _ *struct{}) error {
	return s.impl.Configure(context.Background(), args.Config)
}

func (s *rpcServer) CurrentConfiguration(_ struct{}, reply *[]byte) error {
	cfg, err := s.impl.CurrentConfiguration(context.Background())
	if err != nil {
		return err
	}
	*reply = cfg
	return nil
}

func (s *rpcServer) HealthCheck(_ struct{}, reply *HealthStatus) error {
	status, err := s.impl.HealthCheck(context.Background())
	if err != nil {
		return err
	}
	*reply = status
	return nil
}

func (s *rpcServer) Pause(_ struct{}, _ *struct{}) error {
	return s.impl.Pause(context.Background())
}

func (s *rpcServer) Resume(_ struct{}, _ *struct{}) error {
	return s.impl.Resume(context.Background())
}

func (s *rpcServer) OnDependencyChanged(args DependencyArgs, _ *struct{}) error {
	return s.impl.OnDependencyChanged(context.Background(), args.ID, args.State)
}

// rpcClient lives in the host and satisfies Plugin over the wire.
// Calls are synchronous; the context is only consulted before dispatch.
// Deadline enforcement happens host-side in the lifecycle manager.
type rpcClient struct {
	client *rpc.Client
}

var _ Plugin = (*rpcClient)(nil)

func (c *rpcClient) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Call("Plugin."+method, args, reply)
}

func (c *rpcClient) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	err := c.call(ctx, "Metadata", struct{}{}, &md)
	return md, err
}

func (c *rpcClient) Initialize(ctx context.Context) error {
	return c.call(ctx, "Initialize", struct{}{}, &struct{}{})
}

func (c *rpcClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, "Shutdown", struct{}{}, &struct{}{})
}

func (c *rpcClient) ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	var reply CommandReply
	if err := c.call(ctx, "ExecuteCommand", CommandArgs{Name: name, Params: params}, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		code := plugerr.Code(reply.ErrCode)
		if code == "" || code == plugerr.CodeUnknownError {
			code = plugerr.CodeExecutionFailed
		}
		return nil, plugerr.New(code, "%s", reply.Err)
	}
	return reply.Result, nil
}

func (c *rpcClient) AvailableCommands(ctx context.Context) ([]string, error) {
	var cmds []string
	err := c.call(ctx, "AvailableCommands", struct{}{}, &cmds)
	return cmds, err
}

func (c *rpcClient) Configure(ctx context.Context, config json.RawMessage) error {
	return c.call(ctx, "Configure", ConfigArgs{Config: config}, &struct{}{})
}

func (c *rpcClient) CurrentConfiguration(ctx context.Context) (json.RawMessage, error) {
	var cfg []byte
	err := c.call(ctx, "CurrentConfiguration", struct{}{}, &cfg)
	return cfg, err
}

func (c *rpcClient) HealthCheck(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	err := c.call(ctx, "HealthCheck", struct{}{}, &status)
	return status, err
}

func (c *rpcClient) Pause(ctx context.Context) error {
	return c.call(ctx, "Pause", struct{}{}, &struct{}{})
}

func (c *rpcClient) Resume(ctx context.Context) error {
	return c.call(ctx, "Resume", struct{}{}, &struct{}{})
}

func (c *rpcClient) OnDependencyChanged(ctx context.Context, depID, state string) error {
	return c.call(ctx, "OnDependencyChanged", DependencyArgs{ID: depID, State: state}, &struct{}{})
}
