package tcctransaction

import (
	"encoding/json"
	"fmt"
)

// EncodeTransaction 序列化事务，仓储层用它持久化完整的参与者列表
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", tx.Xid, err)
	}
	return body, nil
}

func DecodeTransaction(body []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

// CloneTransaction 经过一次序列化往返得到与持久化结果一致的副本
func CloneTransaction(tx *Transaction) (*Transaction, error) {
	body, err := EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	return DecodeTransaction(body)
}
