package nanovllm

import (
	"container/list"
	"errors"
)

// ErrNothingSchedulable means the waiting queue is blocked and nothing is running,
// typically a prompt larger than the whole KV cache or token budget
var ErrNothingSchedulable = errors.New("no sequences could be scheduled")

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	eos                 int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		eos:                 config.EOS,
		blockManager:        NewBlockManager(config.NumKVCacheBlocks, config.KVCacheBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Schedule picks the sequences for the next step. Waiting sequences are
// prefilled first; otherwise running sequences decode one token each,
// preempting from the back of the running queue when the cache is full.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	scheduled := make([]*Sequence, 0)
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && len(scheduled) < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduled = append(scheduled, seq)
	}
	if len(scheduled) > 0 {
		return scheduled, true, nil
	}

	for s.running.Len() > 0 && len(scheduled) < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				victim := s.running.Remove(s.running.Back()).(*Sequence)
				s.preempt(victim)
			} else {
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			s.blockManager.MayAppend(seq)
			scheduled = append(scheduled, seq)
		}
	}

	if len(scheduled) == 0 {
		return nil, false, ErrNothingSchedulable
	}

	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}
	return scheduled, false, nil
}

func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// Postprocess appends the sampled tokens and retires finished sequences
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		if seq.isStopToken(tokenID, s.eos) || seq.NumCompletionTokens() >= seq.MaxTokens {
			seq.Status = StatusFinished
			s.blockManager.Deallocate(seq)
			s.removeRunning(seq.SeqID)
		}
	}
}

func (s *Scheduler) removeRunning(seqID int64) {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Sequence).SeqID == seqID {
			s.running.Remove(elem)
			return
		}
	}
}
