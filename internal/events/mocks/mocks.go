//go:generate mockgen -destination=mock_publisher.go -package=mocks github.com/alejoacosta74/busrelay/internal/events Publisher
//go:generate mockgen -destination=mock_subscriber.go -package=mocks github.com/alejoacosta74/busrelay/internal/events Subscriber

package mocks
