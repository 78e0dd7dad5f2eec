package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/pkg/tasks"
)

// fakeReader 依次返回预置消息，耗尽后返回 ctx 取消错误。
type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (c *fakeCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// scriptedProcessor 对每个文档按顺序返回预置错误，列表耗尽后返回 nil。
type scriptedProcessor struct {
	script map[string][]error
	calls  map[string]int
}

func (p *scriptedProcessor) Process(_ context.Context, task tasks.DocumentTask) error {
	p.calls[task.DocumentID]++
	errs := p.script[task.DocumentID]
	if len(errs) == 0 {
		return nil
	}
	p.script[task.DocumentID] = errs[1:]
	return errs[0]
}

func taskMessage(t *testing.T, offset int64, docID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(tasks.DocumentTask{DocumentID: docID, TenantID: "t1", KnowledgeBaseID: "kb1"})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func runConsumer(t *testing.T, msgs []kafka.Message, proc *scriptedProcessor, counter *fakeCounter) *fakeReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{msgs: msgs, cancel: cancel}
	c := newConsumer(reader, proc, counter)
	c.backoff = 0
	require.NoError(t, c.Run(ctx))
	return reader
}

func TestConsumer_CommitsOnSuccess(t *testing.T) {
	proc := &scriptedProcessor{script: map[string][]error{}, calls: map[string]int{}}
	counter := &fakeCounter{counts: map[string]int64{}}

	reader := runConsumer(t, []kafka.Message{taskMessage(t, 1, "d1"), taskMessage(t, 2, "d2")}, proc, counter)

	assert.Equal(t, []int64{1, 2}, reader.committed)
	assert.Equal(t, 1, proc.calls["d1"])
	assert.True(t, reader.closed)
}

func TestConsumer_RetriesThenSucceeds(t *testing.T) {
	boom := errors.New("embedding unavailable")
	proc := &scriptedProcessor{script: map[string][]error{"d1": {boom}}, calls: map[string]int{}}
	counter := &fakeCounter{counts: map[string]int64{}}

	reader := runConsumer(t, []kafka.Message{taskMessage(t, 7, "d1")}, proc, counter)

	assert.Equal(t, 2, proc.calls["d1"])
	assert.Equal(t, []int64{7}, reader.committed)
	assert.Empty(t, counter.counts, "counter is cleared after success")
}

func TestConsumer_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("still failing")
	proc := &scriptedProcessor{script: map[string][]error{"d1": {boom, boom, boom, boom}}, calls: map[string]int{}}
	counter := &fakeCounter{counts: map[string]int64{}}

	reader := runConsumer(t, []kafka.Message{taskMessage(t, 3, "d1")}, proc, counter)

	assert.Equal(t, DefaultMaxAttempts, proc.calls["d1"])
	assert.Equal(t, []int64{3}, reader.committed)
}

func TestConsumer_CounterFailureLeavesOffsetUncommitted(t *testing.T) {
	proc := &scriptedProcessor{script: map[string][]error{"d1": {errors.New("boom")}}, calls: map[string]int{}}
	counter := &fakeCounter{counts: map[string]int64{}, err: errors.New("redis down")}

	reader := runConsumer(t, []kafka.Message{taskMessage(t, 4, "d1")}, proc, counter)

	assert.Equal(t, 1, proc.calls["d1"])
	assert.Empty(t, reader.committed)
}

func TestConsumer_MalformedMessageIsCommitted(t *testing.T) {
	proc := &scriptedProcessor{script: map[string][]error{}, calls: map[string]int{}}
	counter := &fakeCounter{counts: map[string]int64{}}

	reader := runConsumer(t, []kafka.Message{{Offset: 9, Value: []byte("not json")}, {Offset: 10, Value: []byte(`{}`)}}, proc, counter)

	assert.Equal(t, []int64{9, 10}, reader.committed)
	assert.Empty(t, proc.calls)
}

func TestBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokerList(" a:9092, ,b:9092 "))
	assert.Nil(t, brokerList(""))
}
