package queue

import "time"

// ItemStatus is the state of a submission waiting in the queue.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemClaimed ItemStatus = "claimed"
)

// Item is a submitted file waiting for the worker. It becomes a Job once claimed.
type Item struct {
	QueueID          string     `json:"queue_id"`
	PayloadRef       string     `json:"-"`
	OriginalFilename string     `json:"original_filename"`
	FileHash         string     `json:"file_hash,omitempty"`
	FolderID         *int64     `json:"folder_id"`
	Status           ItemStatus `json:"status"`
	JobID            string     `json:"job_id,omitempty"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
}

// fifo is the ordered list of unfinished submissions. It is not safe for
// concurrent use; Store guards it.
type fifo struct {
	items []*Item
}

func (q *fifo) push(item *Item) {
	q.items = append(q.items, item)
}

// withdraw removes a still-pending item.
func (q *fifo) withdraw(queueID string) bool {
	for i, item := range q.items {
		if item.QueueID == queueID && item.Status == ItemPending {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// claimNext flips the oldest pending item to claimed.
func (q *fifo) claimNext() *Item {
	for _, item := range q.items {
		if item.Status == ItemPending {
			item.Status = ItemClaimed
			return item
		}
	}
	return nil
}

// remove drops an item regardless of status.
func (q *fifo) remove(queueID string) {
	for i, item := range q.items {
		if item.QueueID == queueID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *fifo) pending() []Item {
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		if item.Status == ItemPending {
			out = append(out, *item)
		}
	}
	return out
}

func (q *fifo) pendingCount() int {
	n := 0
	for _, item := range q.items {
		if item.Status == ItemPending {
			n++
		}
	}
	return n
}

func (q *fifo) hasHash(hash string) bool {
	for _, item := range q.items {
		if item.FileHash == hash {
			return true
		}
	}
	return false
}
