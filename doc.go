// Package eventrelay provides a transactional outbox for forum domain events
// and the relay that publishes them to a message broker.
//
// Typical flow:
//  1. A command runs inside Transactor.WithinTransaction and appends events
//     with Appender.Append; the payload is validated against the events
//     registry and committed together with the business mutation.
//  2. A Relay polls Store.FetchUnrelayed in event id order, revalidates each
//     record, publishes it through a broker.Publisher and calls MarkRelayed
//     once the broker confirmed it.
//  3. Failed publishes are retried with per-record exponential backoff.
//     Records that cannot be published as stored are isolated as poison and
//     reported through the AlertHandler; nothing is ever dropped.
//
// Storage engines live in the memory, postgres, mysql and badger packages,
// broker adapters under broker.
package eventrelay
