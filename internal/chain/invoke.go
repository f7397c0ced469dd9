package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// ErrFault is returned when the VM finishes in a state other than HALT.
var ErrFault = errors.New("vm fault")

// =============================================================================
// Contract Invocation Methods
// =============================================================================

// InvokeFunction invokes a contract function (read-only).
func (c *Client) InvokeFunction(ctx context.Context, scriptHash, method string, params []ContractParam) (*InvokeResult, error) {
	return c.invoke(ctx, []interface{}{scriptHash, method, normalizeParams(params)})
}

// InvokeFunctionWithSigners test-invokes a function with the given account as
// CalledByEntry signer. The result script and gas are used to build the real
// transaction.
func (c *Client) InvokeFunctionWithSigners(ctx context.Context, scriptHash, method string, params []ContractParam, signer string) (*InvokeResult, error) {
	signers := []Signer{{Account: signer, Scopes: "CalledByEntry"}}
	return c.invoke(ctx, []interface{}{scriptHash, method, normalizeParams(params), signers})
}

func (c *Client) invoke(ctx context.Context, args []interface{}) (*InvokeResult, error) {
	result, err := c.Call(ctx, "invokefunction", args)
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	return &invokeResult, nil
}

// Halted returns the first stack item of a HALTed invocation.
func (r *InvokeResult) Halted() (StackItem, error) {
	if r.State != "HALT" {
		return StackItem{}, fmt.Errorf("%w: state %s: %s", ErrFault, r.State, r.Exception)
	}
	if len(r.Stack) == 0 {
		return StackItem{}, fmt.Errorf("empty stack")
	}
	return r.Stack[0], nil
}

// SendRawTransaction sends a signed transaction given as base64 and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, txBase64 string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{txBase64})
	if err != nil {
		return "", err
	}

	var response struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return response.Hash, nil
}

// WaitForApplicationLog polls for a transaction application log until it is available or context is done.
// A missing transaction is treated as transient and retried until the context deadline/timeout expires.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			log, err := c.GetApplicationLog(ctx, txHash)
			if err != nil {
				if isNotFoundError(err) {
					continue
				}
				return nil, err
			}
			return log, nil
		}
	}
}

// WaitForExecution waits for the application log and checks the first
// execution finished in HALT.
func (c *Client) WaitForExecution(ctx context.Context, txHash string, pollInterval, waitTimeout time.Duration) (*TxResult, error) {
	if waitTimeout <= 0 {
		waitTimeout = DefaultTxWaitTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	appLog, err := c.WaitForApplicationLog(wctx, txHash, pollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", txHash, err)
	}

	result := &TxResult{TxHash: txHash, VMState: "HALT", AppLog: appLog}
	if len(appLog.Executions) > 0 {
		exec := appLog.Executions[0]
		result.VMState = exec.VMState
		if exec.VMState != "HALT" {
			return result, fmt.Errorf("%w: state %s: %s", ErrFault, exec.VMState, exec.Exception)
		}
	}
	return result, nil
}

func normalizeParams(params []ContractParam) []ContractParam {
	if params == nil {
		return []ContractParam{}
	}
	return params
}

func isNotFoundError(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == -100 {
			return true
		}
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "unknown transaction") || strings.Contains(msg, "not found")
	}
	return false
}
