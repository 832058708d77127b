package queue

// dedupIndex tracks hashes of completed jobs. Counts are kept per hash so
// forgetting one of two identical completed jobs keeps the hash marked.
// Not safe for concurrent use; Store guards it.
type dedupIndex struct {
	processed map[string]int
	byJob     map[string]string
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{
		processed: make(map[string]int),
		byJob:     make(map[string]string),
	}
}

func (d *dedupIndex) recordCompleted(jobID, hash string) {
	if hash == "" {
		return
	}
	if _, ok := d.byJob[jobID]; ok {
		return
	}
	d.byJob[jobID] = hash
	d.processed[hash]++
}

func (d *dedupIndex) forget(jobID string) {
	hash, ok := d.byJob[jobID]
	if !ok {
		return
	}
	delete(d.byJob, jobID)
	if d.processed[hash] <= 1 {
		delete(d.processed, hash)
		return
	}
	d.processed[hash]--
}

func (d *dedupIndex) isProcessed(hash string) bool {
	if hash == "" {
		return false
	}
	return d.processed[hash] > 0
}
