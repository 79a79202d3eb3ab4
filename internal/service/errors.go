// Пакет service — бизнес-логика memory-media.
package service

import "errors"

// Ошибки сервисного слоя.
var (
	// ErrInvalidToken — токен не прошёл проверку или выдан для другого ресурса.
	ErrInvalidToken = errors.New("недействительный или просроченный токен")
	// ErrResourceNotFound — медиаресурс отсутствует или недоступен.
	ErrResourceNotFound = errors.New("ресурс не найден")
	// ErrInvalidTTL — запрошенный срок действия ссылки вне допустимого диапазона.
	ErrInvalidTTL = errors.New("недопустимый срок действия ссылки")
	// ErrInvalidSourceURL — URL исходного изображения не является http(s) URL.
	ErrInvalidSourceURL = errors.New("недопустимый URL исходного изображения")
)
