package nanovllm

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

func newBlock(blockID int) *Block {
	return &Block{BlockID: blockID}
}

func (b *Block) update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = slices.Clone(tokenIDs)
}

func (b *Block) reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = nil
}

// BlockManager manages KV cache blocks with prefix caching.
// Free blocks are handed out oldest-first so recently released blocks keep
// their cached prefix for as long as possible.
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	free          *list.List
	freeElems     map[int]*list.Element
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize:     blockSize,
		blocks:        make([]*Block, numBlocks),
		hashToBlockID: make(map[uint64]int),
		free:          list.New(),
		freeElems:     make(map[int]*list.Element, numBlocks),
	}
	for i := range numBlocks {
		bm.blocks[i] = newBlock(i)
		bm.freeElems[i] = bm.free.PushBack(i)
	}
	return bm
}

// NumFreeBlocks returns how many blocks are unreferenced
func (bm *BlockManager) NumFreeBlocks() int {
	return bm.free.Len()
}

// ComputeHash hashes a block of token IDs chained to the previous block's hash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte

	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(id))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

func (bm *BlockManager) isFree(blockID int) bool {
	_, ok := bm.freeElems[blockID]
	return ok
}

func (bm *BlockManager) takeBlock(blockID int) *Block {
	elem, ok := bm.freeElems[blockID]
	if !ok {
		panic(fmt.Sprintf("block %d is already allocated", blockID))
	}
	bm.free.Remove(elem)
	delete(bm.freeElems, blockID)

	block := bm.blocks[blockID]
	block.reset()
	return block
}

func (bm *BlockManager) takeOldestFree() *Block {
	front := bm.free.Front()
	if front == nil {
		panic("no free kvcache blocks")
	}
	return bm.takeBlock(front.Value.(int))
}

func (bm *BlockManager) release(blockID int) {
	if bm.blocks[blockID].RefCount != 0 {
		panic(fmt.Sprintf("block %d still has references", blockID))
	}
	bm.freeElems[blockID] = bm.free.PushBack(blockID)
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return bm.free.Len() >= seq.NumBlocks()
}

// cachedBlock returns the block holding exactly tokenIDs under hash h, or -1
func (bm *BlockManager) cachedBlock(h uint64, tokenIDs []int) int {
	if h == 0 {
		return -1
	}
	id, ok := bm.hashToBlockID[h]
	if !ok || !slices.Equal(bm.blocks[id].TokenIDs, tokenIDs) {
		return -1
	}
	return id
}

// Allocate assigns blocks to a sequence, reusing cached full blocks of a
// shared prefix until the first miss
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64
	cacheMiss := false
	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := bm.cachedBlock(h, tokenIDs)
		if blockID == -1 {
			cacheMiss = true
		}

		var block *Block
		switch {
		case cacheMiss:
			block = bm.takeOldestFree()
		case bm.isFree(blockID):
			seq.NumCachedTokens += bm.blockSize
			block = bm.takeBlock(blockID)
		default:
			seq.NumCachedTokens += bm.blockSize
			block = bm.blocks[blockID]
			block.RefCount++
		}

		if h != 0 {
			block.update(h, tokenIDs)
			bm.hashToBlockID[h] = block.BlockID
		}
		seq.BlockTable = append(seq.BlockTable, block.BlockID)
	}
}

// Deallocate drops the sequence's references, newest block first
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		block := bm.blocks[seq.BlockTable[i]]
		block.RefCount--
		if block.RefCount == 0 {
			bm.release(block.BlockID)
		}
	}
	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.blockSize == 1 {
		return bm.free.Len() >= 1
	}
	return true
}

// MayAppend keeps the block table in step with a sequence that just grew by one token
func (bm *BlockManager) MayAppend(seq *Sequence) {
	table := seq.BlockTable
	last := bm.blocks[table[len(table)-1]]

	switch seq.Len() % bm.blockSize {
	case 1:
		// previous block was sealed, start a fresh one
		if last.Hash == 0 {
			panic("last block should have a hash")
		}
		seq.BlockTable = append(seq.BlockTable, bm.takeOldestFree().BlockID)
	case 0:
		if last.Hash != 0 {
			panic("last block should not have a hash")
		}
		var prefixHash uint64
		if len(table) > 1 {
			prefixHash = bm.blocks[table[len(table)-2]].Hash
		}
		tokenIDs := seq.Block(seq.NumBlocks() - 1)
		h := bm.ComputeHash(tokenIDs, prefixHash)
		last.update(h, tokenIDs)
		bm.hashToBlockID[h] = last.BlockID
	default:
		if last.Hash != 0 {
			panic("last block should not have a hash")
		}
	}
}
