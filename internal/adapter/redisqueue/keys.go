package redisqueue

import "strconv"

const defaultKeyPrefix = "dispatch:"

// jobKey returns the hash holding one job: {prefix}job:{id}
func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }

// queueKey returns the sorted set of jobs at one priority:
// {prefix}queue:{name}:{priority}
func (q *Queue) queueKey(priority int) string {
	return q.prefix + "queue:" + q.queue + ":" + strconv.Itoa(priority)
}

// prioritiesKey returns the sorted set of priority levels in use, scored
// so that the highest priority comes first: {prefix}priorities:{name}
func (q *Queue) prioritiesKey() string { return q.prefix + "priorities:" + q.queue }
