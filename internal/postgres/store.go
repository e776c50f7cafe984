package postgres

// Store: шлюз к комнатам, участникам и сообщениям чата.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}
