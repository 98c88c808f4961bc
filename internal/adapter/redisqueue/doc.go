// Package redisqueue runs the QUEUE backend on Redis.
//
// Every job is a hash at {prefix}job:{id}. Each priority level has its own
// sorted set at {prefix}queue:{name}:{priority} scored by run time in
// milliseconds, and {prefix}priorities:{name} lists the levels in use,
// highest first. Native states are waiting, delayed, active, completed,
// failed and cancelled.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	q := redisqueue.New(client, redisqueue.WithQueue("default"))
//	id, err := q.Submit(ctx, t)
package redisqueue
