package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/codebattle-sync/internal/domain"
)

var difficulties = []domain.Difficulty{
	domain.DifficultyEasy,
	domain.DifficultyMedium,
	domain.DifficultyHard,
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "battle-verdicts", "Kafka topic")
	sessionID := flag.String("session", "battle1", "Battle session ID")
	participants := flag.String("participants", "alice,bob", "Participant identities (comma-separated)")
	problems := flag.Int("problems", 5, "Number of distinct problems")
	perSecond := flag.Int("rate", 1, "Verdicts per second")
	passRate := flag.Int("pass-rate", 60, "Percentage of verdicts that pass")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")
	identities := strings.Split(*participants, ",")
	if *perSecond <= 0 || *problems <= 0 {
		log.Fatalf("rate and problems must be positive")
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Battle Verdict Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Session:          %s\n", *sessionID)
	fmt.Printf("  Participants:     %s\n", strings.Join(identities, ", "))
	fmt.Printf("  Verdicts/sec:     %d\n", *perSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, passedCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	finish := func(reason string) {
		fmt.Printf("\n\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Passed: %d, Errors: %d\n",
			atomic.LoadInt64(&successCount),
			atomic.LoadInt64(&passedCount),
			atomic.LoadInt64(&errorCount),
		)
	}

	send := func(v domain.Verdict) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Printf("Failed to marshal verdict: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(v.SessionID + ":" + v.Identity),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(*perSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			finish("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached, shutting down...")
				return
			}

			problem := rand.IntN(*problems)
			v := domain.Verdict{
				SessionID:  *sessionID,
				Identity:   identities[rand.IntN(len(identities))],
				ProblemID:  fmt.Sprintf("problem-%d", problem+1),
				Difficulty: difficulties[problem%len(difficulties)],
				Passed:     rand.IntN(100) < *passRate,
				Timestamp:  time.Now(),
			}
			if v.Passed {
				atomic.AddInt64(&passedCount, 1)
			}
			send(v)

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Passed: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&passedCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
