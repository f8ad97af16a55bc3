package ids

import (
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Node 雪花 ID 生成器：41 位毫秒 | 10 位节点 | 12 位序列
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
}

var (
	defaultNode *Node
	once        sync.Once
)

// NewNode nodeID 超出 0~1023 时回落到 1
func NewNode(nodeID int64) *Node {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Node{nodeID: nodeID}
}

func initDefault() {
	once.Do(func() {
		defaultNode = NewNode(1)
	})
}

// Generate 生成一个新的雪花ID（默认节点）
func Generate() int64 {
	initDefault()
	return defaultNode.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 在 main() 初始化时调用，每个网关节点唯一
func SetNodeID(nodeID int64) {
	initDefault()
	n := NewNode(nodeID)
	defaultNode.mu.Lock()
	defaultNode.nodeID = n.nodeID
	defaultNode.mu.Unlock()
}

// Time returns the wall clock millisecond encoded in id.
func Time(id int64) time.Time {
	return epoch.Add(time.Duration(id>>(nodeBits+seqBits)) * time.Millisecond)
}

func (n *Node) NextString() string {
	return strconv.FormatInt(n.Next(), 10)
}

// ---------------- 内部方法 ----------------
func (n *Node) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	epochMS := epoch.UnixMilli()
	for {
		now := time.Now().UnixMilli()
		if now < n.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(n.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == n.lastTSMS {
			n.seq = (n.seq + 1) & seqMask
			if n.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= n.lastTSMS {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			n.seq = 0
		}
		n.lastTSMS = now

		ts := (now - epochMS) & (1<<41 - 1)
		return ts<<(nodeBits+seqBits) | n.nodeID<<seqBits | n.seq
	}
}
