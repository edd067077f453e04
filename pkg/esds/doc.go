// Package esds is a Go client for a running es-datastream-sink.
//
// It talks to the sink over NATS only: status queries use the request-reply
// responder and rejected records are read from the error event subjects.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := esds.New(esds.Config{NC: nc})
//
//	outputs, _ := client.Outputs(ctx)
//	for _, o := range outputs {
//		fmt.Println(o.DataStream, o.Records)
//	}
//
//	// Rejected records for one data stream's error prefix
//	sub, _ := client.SubscribeErrors("esds.errors", func(ev esds.ErrorEvent) {
//		log.Printf("%s: %s", ev.Tag, ev.Error)
//	})
//	defer sub.Unsubscribe()
//
// # Responder Subjects
//
//	esds.api.status                 overall status
//	esds.api.outputs                summary of every data stream
//	esds.api.outputs.{data_stream}  detail of one data stream
//
// The "esds.api" prefix is configurable with [Config.SubjectPrefix] and must
// match api.nats_subject_prefix of the sink.
package esds
