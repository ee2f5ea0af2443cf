// Package ivm 는 인메모리 테이블과 그 위에 정의된 뷰를 증분 유지하는 DB 를 제공한다.
package ivm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariyn/ivm/internal/ivm/cdc"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/refresh"
	"github.com/ariyn/ivm/internal/ivm/sqlconv"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

var (
	ErrNoView     = errors.New("no such view")
	ErrViewExists = errors.New("view already exists")
)

// Options 는 DB 생성 옵션이다. 비어 있는 필드는 기본값을 쓴다.
type Options struct {
	Config *refresh.Config
	// Buffer 가 nil 이면 메모리 변경 버퍼를 사용한다.
	Buffer     cdc.Buffer
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// DB 는 base 테이블, 변경 버퍼, 뷰를 함께 관리한다. DML 과 refresh 는
// 서로 직렬화되므로 refresh 중에는 항상 고정된 스냅샷을 본다.
type DB struct {
	mu        sync.Mutex
	store     *state.Store
	buffer    cdc.Buffer
	engine    *refresh.Engine
	scheduler *refresh.Scheduler
	views     map[string]*refresh.View
	logger    log.Logger
}

// Open 은 새 DB 를 만든다.
func Open(opts Options) (*DB, error) {
	cfg := refresh.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.Buffer == nil {
		opts.Buffer = cdc.NewMemoryBuffer()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	store := state.NewStore()
	engine, err := refresh.NewEngine(cfg, store, opts.Buffer, opts.Logger, opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &DB{
		store:     store,
		buffer:    opts.Buffer,
		engine:    engine,
		scheduler: refresh.NewScheduler(engine, opts.Logger),
		views:     map[string]*refresh.View{},
		logger:    log.With(opts.Logger, "component", "db"),
	}, nil
}

// CreateTable 은 base 테이블을 만든다. key 는 primary key 컬럼이다.
func (db *DB) CreateTable(name string, columns []string, key ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.store.CreateTable(name, columns, key...)
	return err
}

// Exec 은 INSERT/UPDATE/DELETE SQL 을 적용하고 변경 이벤트를 버퍼에 기록한다.
// 여러 문장은 세미콜론으로 구분한다. 실패한 문장과 그 이후 문장은 반영되지 않는다.
func (db *DB) Exec(ctx context.Context, sql string) ([]types.Event, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	events, execErr := sqlconv.ApplyScript(db.store, sql)
	recorded, err := db.record(ctx, events)
	if err != nil {
		return nil, err
	}
	return recorded, execErr
}

// Insert 는 SQL 없이 행을 추가한다. 하나라도 실패하면 아무것도 반영되지 않는다.
func (db *DB) Insert(ctx context.Context, table string, rows ...[]any) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.store.Table(table)
	if err != nil {
		return err
	}
	var events []types.Event
	for _, r := range rows {
		ev, err := t.Insert(r)
		if err != nil {
			return errors.Join(err, db.revert(events))
		}
		events = append(events, ev)
	}
	_, err = db.record(ctx, events)
	return err
}

// record 는 store 에 이미 반영된 이벤트를 버퍼에 기록한다. 기록에 실패하면
// store 도 되돌린다.
func (db *DB) record(ctx context.Context, events []types.Event) ([]types.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out, err := db.buffer.Append(ctx, events...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to record changes: %w", err), db.revert(events))
	}
	return out, nil
}

// revert 는 events 를 역순으로 되돌린다.
func (db *DB) revert(events []types.Event) error {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		t, err := db.store.Table(ev.Relation)
		if err != nil {
			return err
		}
		cs, err := ev.Split()
		if err != nil {
			return err
		}
		for j := len(cs) - 1; j >= 0; j-- {
			c := cs[j]
			c.Action = c.Action.Invert()
			if err := t.Apply(c); err != nil {
				return fmt.Errorf("failed to revert change %d: %w", ev.Seq, err)
			}
		}
	}
	return nil
}

// ViewOption 은 뷰별 설정이다.
type ViewOption func(*refresh.View)

// WithChangeRatio 는 이 뷰의 full recompute 전환 비율을 지정한다.
func WithChangeRatio(r float64) ViewOption {
	return func(v *refresh.View) { v.ChangeRatio = &r }
}

// CreateView 는 tree 로 정의된 뷰를 등록하고 바로 materialize 한다.
func (db *DB) CreateView(ctx context.Context, name string, tree *optree.Tree, opts ...ViewOption) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.views[name]; ok {
		return fmt.Errorf("%w: %s", ErrViewExists, name)
	}
	for _, rel := range tree.Relations() {
		if _, err := db.store.Table(rel); err != nil {
			return fmt.Errorf("view %s: %w", name, err)
		}
	}
	v := &refresh.View{Name: name, Tree: tree}
	for _, o := range opts {
		o(v)
	}
	if _, err := db.engine.Refresh(ctx, v); err != nil {
		return err
	}
	db.views[name] = v
	level.Info(db.logger).Log("msg", "view created", "view", name, "rows", v.State.Len())
	db.release(ctx)
	return nil
}

// DropView 는 뷰를 제거한다.
func (db *DB) DropView(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.views[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNoView, name)
	}
	delete(db.views, name)
	db.engine.Selector().Forget(name)
	db.release(ctx)
	return nil
}

// Refresh 는 뷰 하나를 갱신한다. 실패하면 뷰의 상태와 frontier 는 그대로 남는다.
// 에러가 없으면 뷰는 커밋된 것이다.
func (db *DB) Refresh(ctx context.Context, name string) (*refresh.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	v, ok := db.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoView, name)
	}
	res, err := db.engine.Refresh(ctx, v)
	if err != nil {
		return nil, err
	}
	db.release(ctx)
	return res, nil
}

// RefreshAll 은 모든 뷰를 동시에 갱신하고 결과를 뷰 이름별로 돌려준다.
func (db *DB) RefreshAll(ctx context.Context) (map[string]*refresh.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	names := db.viewNames()
	views := make([]*refresh.View, len(names))
	for i, n := range names {
		views[i] = db.views[n]
	}
	results, err := db.scheduler.RefreshAll(ctx, views)
	out := make(map[string]*refresh.Result, len(names))
	for i, res := range results {
		if res != nil {
			out[names[i]] = res
		}
	}
	if err != nil {
		return out, err
	}
	db.release(ctx)
	return out, nil
}

// release 는 truncate 를 시도한다. 뷰는 이미 커밋됐으므로 실패해도 에러를
// 돌려주지 않는다. 남은 변경은 frontier 뒤에 있어 다시 적용되지 않고,
// 다음 truncate 에서 지워진다.
func (db *DB) release(ctx context.Context) {
	if err := db.truncate(ctx); err != nil {
		level.Warn(db.logger).Log("msg", "failed to truncate consumed changes", "err", err)
	}
}

// truncate 는 모든 뷰가 이미 반영한 변경을 버퍼에서 지운다.
func (db *DB) truncate(ctx context.Context) error {
	upTo, err := db.buffer.MaxSeq(ctx)
	if err != nil {
		return err
	}
	for _, rel := range db.store.Tables() {
		consumed := upTo
		for _, v := range db.views {
			if readsRelation(v.Tree, rel) {
				consumed = min(consumed, v.Frontier.Get(rel))
			}
		}
		if err := db.buffer.Truncate(ctx, rel, consumed); err != nil {
			return fmt.Errorf("failed to truncate changes of %s: %w", rel, err)
		}
	}
	return nil
}

func readsRelation(t *optree.Tree, rel string) bool {
	for _, r := range t.Relations() {
		if r == rel {
			return true
		}
	}
	return false
}

func (db *DB) viewNames() []string {
	names := make([]string, 0, len(db.views))
	for n := range db.views {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Views 는 등록된 뷰 이름을 정렬해서 돌려준다.
func (db *DB) Views() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.viewNames()
}

// Rows 는 마지막으로 반영된 뷰 내용을 돌려준다.
func (db *DB) Rows(name string) (types.Columns, []types.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	v, ok := db.views[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoView, name)
	}
	return v.State.Columns(), v.State.Rows(), nil
}

// Frontier 는 뷰가 반영한 마지막 변경 번호를 relation 별로 돌려준다.
func (db *DB) Frontier(name string) (types.Frontier, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	v, ok := db.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoView, name)
	}
	return v.Frontier.Clone(), nil
}

// Explain 은 뷰의 각 노드가 어떻게 유지되는지 설명한다.
func (db *DB) Explain(name string) ([]optree.Diagnostic, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	v, ok := db.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoView, name)
	}
	return optree.Explain(v.Tree), nil
}

func (db *DB) Close() error {
	return db.buffer.Close()
}
