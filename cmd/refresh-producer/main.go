// Command refresh-producer queues on-demand refresh requests for a set of
// students, bypassing the HTTP API. Useful after portal outages when a
// batch of records needs resyncing before the nightly sweep.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/IBM/sarama"

	"github.com/qlido/BSM-Backend-V2/internal/kafka"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Comma-separated Kafka broker list")
	topic := flag.String("topic", "meister-refresh-requests", "Refresh request topic")
	flag.Parse()

	studentIDs := flag.Args()
	if len(studentIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: refresh-producer [flags] <student-id> [<student-id>...]")
		os.Exit(2)
	}

	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create producer: %v\n", err)
		os.Exit(1)
	}
	defer producer.Close()

	for _, studentID := range studentIDs {
		data, err := json.Marshal(kafka.RefreshRequest{StudentID: studentID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal request for %s: %v\n", studentID, err)
			continue
		}

		partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(studentID),
			Value: sarama.ByteEncoder(data),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to queue refresh for %s: %v\n", studentID, err)
			continue
		}
		fmt.Printf("queued refresh for %s (partition=%d offset=%d)\n", studentID, partition, offset)
	}
}
