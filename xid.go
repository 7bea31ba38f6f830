package tcctransaction

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// 事务标识：全局事务 id + 分支限定符
type TransactionXid struct {
	// 全局事务 id，根事务与其所有分支共享
	GlobalID string `json:"globalId"`
	// 分支限定符，为空表示未区分分支
	BranchQualifier string `json:"branchQualifier,omitempty"`
}

// NewXid 为根事务生成全新的 xid
func NewXid() TransactionXid {
	return TransactionXid{
		GlobalID:        xid.New().String(),
		BranchQualifier: uuid.NewString(),
	}
}

// NewBranchXid 复用全局事务 id，生成新的分支限定符
func NewBranchXid(globalID string) TransactionXid {
	return TransactionXid{
		GlobalID:        globalID,
		BranchQualifier: uuid.NewString(),
	}
}

func (x TransactionXid) Equal(o TransactionXid) bool {
	return x.GlobalID == o.GlobalID && x.BranchQualifier == o.BranchQualifier
}

// SameGlobal 只比较全局事务 id，用于根事务与分支事务的关联
func (x TransactionXid) SameGlobal(o TransactionXid) bool {
	return x.GlobalID == o.GlobalID
}

func (x TransactionXid) IsZero() bool {
	return x.GlobalID == ""
}

func (x TransactionXid) String() string {
	if x.BranchQualifier == "" {
		return x.GlobalID
	}
	return x.GlobalID + ":" + x.BranchQualifier
}

// ParseXid 解析 String 的输出
func ParseXid(s string) (TransactionXid, error) {
	globalID, branch, _ := strings.Cut(strings.TrimSpace(s), ":")
	if globalID == "" {
		return TransactionXid{}, fmt.Errorf("invalid xid: %q", s)
	}
	return TransactionXid{GlobalID: globalID, BranchQualifier: branch}, nil
}
