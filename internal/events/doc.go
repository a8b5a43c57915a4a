// Package events carries batch and job progress out of the worker.
//
// Hub is a non-blocking one-to-many broadcaster: Publish stamps a sequence
// number, appends to a bounded history ring (served by Fetch for long-poll
// clients) and offers the event to every subscriber without waiting. A
// subscriber whose buffer is full is dropped and its channel closed. Sinks
// (AMQP, Redis) ride on their own subscriptions so a slow broker only ever
// costs that sink events, never the worker time.
package events
