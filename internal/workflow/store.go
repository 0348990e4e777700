package workflow

import (
	"fmt"
	"sort"
	"sync"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// Store 保存已注册的链路模板。模板注册后不可修改，重新定义必须先 Unregister。
type Store struct {
	mu     sync.RWMutex
	chains map[string]*ChainDefinition
}

// NewStore 创建空的链路模板仓库。
func NewStore() *Store {
	return &Store{chains: make(map[string]*ChainDefinition)}
}

// Register 校验并登记一个链路模板。
func (s *Store) Register(def *ChainDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[def.ID]; ok {
		return duplicateChain(def.ID)
	}
	s.chains[def.ID] = cloneDefinition(def)
	return nil
}

// RegisterAll 原子地登记一批模板：任一模板非法或 ID 冲突时不登记任何模板。
func (s *Store) RegisterAll(defs []*ChainDefinition) error {
	batch := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if _, ok := batch[def.ID]; ok {
			return duplicateChain(def.ID)
		}
		batch[def.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range defs {
		if _, ok := s.chains[def.ID]; ok {
			return duplicateChain(def.ID)
		}
	}
	for _, def := range defs {
		s.chains[def.ID] = cloneDefinition(def)
	}
	return nil
}

// Get 返回模板的只读副本。
func (s *Store) Get(id string) (*ChainDefinition, error) {
	s.mu.RLock()
	def, ok := s.chains[id]
	s.mu.RUnlock()
	if !ok {
		return nil, unknownChain(id)
	}
	return cloneDefinition(def), nil
}

// Unregister 移除模板。已在运行中的链路持有各自的副本，不受影响。
func (s *Store) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[id]; !ok {
		return unknownChain(id)
	}
	delete(s.chains, id)
	return nil
}

// List 按 ID 排序返回全部模板。
func (s *Store) List() []*ChainDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChainDefinition, 0, len(s.chains))
	for _, def := range s.chains {
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 返回已注册模板数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains)
}

func unknownChain(id string) error {
	return xerrors.New(CodeUnknownChain, fmt.Sprintf("链路 %q 未注册", id), xerrors.WithMetadata("chain_id", id))
}

func duplicateChain(id string) error {
	return xerrors.New(CodeDuplicateChain, fmt.Sprintf("链路 %q 已存在", id), xerrors.WithMetadata("chain_id", id))
}
