// Package task holds the data model shared by the router, the status
// tracker and the dispatcher: the submitted Task, the backend kinds it can
// land on, and the normalized StatusRecord that follows it afterwards.
package task
