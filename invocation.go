package tcctransaction

import (
	"encoding/json"
	"fmt"
)

// 事务上下文参数在 ParameterTypes 中的类型名
var transactionContextType = fmt.Sprintf("%T", (*TransactionContext)(nil))

// InvocationContext 描述一次延迟执行的方法调用，需要能经受持久化往返，
// 以便进程重启后由恢复任务重放
type InvocationContext struct {
	TargetType     string        `json:"targetType"`
	MethodName     string        `json:"methodName"`
	ParameterTypes []string      `json:"parameterTypes"`
	Args           []interface{} `json:"args"`
}

// NewInvocationContext 根据实参推导参数类型
func NewInvocationContext(targetType, methodName string, args ...interface{}) InvocationContext {
	types := make([]string, 0, len(args))
	for _, arg := range args {
		types = append(types, fmt.Sprintf("%T", arg))
	}
	return InvocationContext{
		TargetType:     targetType,
		MethodName:     methodName,
		ParameterTypes: types,
		Args:           args,
	}
}

// UnmarshalJSON 把事务上下文参数还原为 *TransactionContext，其余参数按 json 默认类型还原
func (i *InvocationContext) UnmarshalJSON(data []byte) error {
	var raw struct {
		TargetType     string            `json:"targetType"`
		MethodName     string            `json:"methodName"`
		ParameterTypes []string          `json:"parameterTypes"`
		Args           []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	args := make([]interface{}, 0, len(raw.Args))
	for idx, body := range raw.Args {
		if idx < len(raw.ParameterTypes) && raw.ParameterTypes[idx] == transactionContextType {
			var txCtx *TransactionContext
			if err := json.Unmarshal(body, &txCtx); err != nil {
				return fmt.Errorf("decode arg[%d] of %s.%s: %w", idx, raw.TargetType, raw.MethodName, err)
			}
			args = append(args, txCtx)
			continue
		}
		var arg interface{}
		if err := json.Unmarshal(body, &arg); err != nil {
			return fmt.Errorf("decode arg[%d] of %s.%s: %w", idx, raw.TargetType, raw.MethodName, err)
		}
		args = append(args, arg)
	}

	i.TargetType = raw.TargetType
	i.MethodName = raw.MethodName
	i.ParameterTypes = raw.ParameterTypes
	i.Args = args
	return nil
}

func (i InvocationContext) copyArgs() []interface{} {
	return append([]interface{}(nil), i.Args...)
}
