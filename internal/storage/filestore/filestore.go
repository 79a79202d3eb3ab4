// Пакет filestore — операции с медиафайлами под корневой директорией (media root).
// Запись атомарная (temp → fsync → rename), чтение только внутри корня:
// пути с "..", абсолютные пути и симлинки наружу отклоняются.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Ошибки файлового хранилища.
var (
	// ErrOutsideRoot — путь выходит за пределы корневой директории.
	ErrOutsideRoot = errors.New("путь вне корневой директории")
	// ErrNotRegular — по пути находится не обычный файл.
	ErrNotRegular = errors.New("не является обычным файлом")
	// ErrTooLarge — размер данных превышает лимит.
	ErrTooLarge = errors.New("превышен допустимый размер файла")
)

// FileStore — управление медиафайлами на диске.
type FileStore struct {
	// root — абсолютный путь корня без симлинков
	root string
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StoragePath — путь относительно корня (разделитель "/")
	StoragePath string
	// FullPath — абсолютный путь на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
}

// New создаёт FileStore, создавая корневую директорию при необходимости.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("не удалось разрешить путь %s: %w", root, err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить абсолютный путь %s: %w", root, err)
	}
	return &FileStore{root: abs}, nil
}

// Root возвращает абсолютный путь корня.
func (fs *FileStore) Root() string {
	return fs.root
}

// FullPath возвращает абсолютный путь для относительного storagePath
// без проверки существования. storagePath должен пройти CleanRelative.
func (fs *FileStore) FullPath(storagePath string) string {
	return filepath.Join(fs.root, filepath.FromSlash(storagePath))
}

// CleanRelative нормализует относительный путь ресурса ("/" как разделитель).
// Отклоняет пустые, абсолютные и выходящие наружу пути.
func CleanRelative(storagePath string) (string, error) {
	if storagePath == "" || strings.ContainsRune(storagePath, 0) {
		return "", ErrOutsideRoot
	}
	p := filepath.ToSlash(storagePath)
	if strings.HasPrefix(p, "/") || filepath.IsAbs(storagePath) || filepath.VolumeName(storagePath) != "" {
		return "", ErrOutsideRoot
	}
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrOutsideRoot
	}
	return cleaned, nil
}

// Resolve возвращает абсолютный путь существующего файла внутри корня.
// Симлинки разрешаются; если итоговый путь вне корня — ErrOutsideRoot.
// Несуществующий путь — ошибка, удовлетворяющая errors.Is(err, fs.ErrNotExist).
func (fs *FileStore) Resolve(storagePath string) (string, error) {
	cleaned, err := CleanRelative(storagePath)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(fs.FullPath(cleaned))
	if err != nil {
		return "", err
	}
	if !fs.within(resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// Open открывает обычный файл внутри корня для чтения.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storagePath string) (*os.File, os.FileInfo, error) {
	fullPath, err := fs.Resolve(storagePath)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ошибка получения stat файла %s: %w", storagePath, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", storagePath, ErrNotRegular)
	}

	return f, info, nil
}

// SaveFile записывает данные reader в storagePath.
// maxBytes > 0 ограничивает размер; превышение — ErrTooLarge, файл не создаётся.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется, прежнее содержимое storagePath не затрагивается.
func (fs *FileStore) SaveFile(storagePath string, reader io.Reader, maxBytes int64) (*SaveResult, error) {
	cleaned, err := CleanRelative(storagePath)
	if err != nil {
		return nil, err
	}
	fullPath := fs.FullPath(cleaned)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории: %w", err)
	}

	var size int64
	err = WriteFileAtomic(fullPath, func(w io.Writer) error {
		src := reader
		if maxBytes > 0 {
			src = io.LimitReader(reader, maxBytes+1)
		}
		n, copyErr := io.Copy(w, src)
		if copyErr != nil {
			return copyErr
		}
		if maxBytes > 0 && n > maxBytes {
			return ErrTooLarge
		}
		size = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SaveResult{
		StoragePath: cleaned,
		FullPath:    fullPath,
		Size:        size,
	}, nil
}

// WriteFileAtomic создаёт fullPath атомарно: write пишет во временный файл
// в той же директории, затем fsync и rename. Параллельные писатели не мешают
// друг другу — побеждает последний rename.
func WriteFileAtomic(fullPath string, write func(w io.Writer) error) error {
	tmpPath := fmt.Sprintf("%s.%s.tmp", fullPath, uuid.New().String()[:8])

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// MkdirStaging создаёт временную директорию внутри dir и возвращает её путь
// относительно корня. Rename из неё в dir атомарен: обе на одной файловой системе.
func (fs *FileStore) MkdirStaging(dir string) (string, error) {
	cleaned, err := CleanRelative(dir)
	if err != nil {
		return "", err
	}
	fullDir := fs.FullPath(cleaned)
	if err := os.MkdirAll(fullDir, 0o750); err != nil {
		return "", fmt.Errorf("ошибка создания директории %s: %w", dir, err)
	}
	staging, err := os.MkdirTemp(fullDir, ".staging-")
	if err != nil {
		return "", fmt.Errorf("ошибка создания staging-директории: %w", err)
	}
	return path.Join(cleaned, filepath.Base(staging)), nil
}

// RemoveAll удаляет директорию storagePath со всем содержимым.
func (fs *FileStore) RemoveAll(storagePath string) error {
	cleaned, err := CleanRelative(storagePath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(fs.FullPath(cleaned)); err != nil {
		return fmt.Errorf("ошибка удаления %s: %w", storagePath, err)
	}
	return nil
}

// Publish переносит файлы names из staging в dir в заданном порядке.
// Если перенос прерывается, уже перенесённые файлы удаляются, прежние версии
// возвращаются на место: в dir остаётся либо прежний набор, либо новый целиком.
// Файл, по которому читатели судят о готовности набора, передаётся последним.
func (fs *FileStore) Publish(staging, dir string, names []string) error {
	stagingRel, err := CleanRelative(staging)
	if err != nil {
		return err
	}
	dirRel, err := CleanRelative(dir)
	if err != nil {
		return err
	}

	type step struct {
		target    string
		backup    string
		published bool
	}
	var done []*step

	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			st := done[i]
			switch {
			case st.backup != "":
				_ = os.Rename(st.backup, fs.FullPath(st.target))
			case st.published:
				_ = fs.DeleteFile(st.target)
			}
		}
	}

	for _, name := range names {
		st := &step{target: path.Join(dirRel, name)}
		full := fs.FullPath(st.target)

		if _, err := os.Lstat(full); err == nil {
			st.backup = fs.FullPath(path.Join(stagingRel, ".prev-"+name))
			// Жёсткая ссылка оставляет прежний файл доступным до rename поверх него
			if err := os.Link(full, st.backup); err != nil {
				if err := os.Rename(full, st.backup); err != nil {
					rollback()
					return fmt.Errorf("резервная копия %s: %w", st.target, err)
				}
			}
		} else if !os.IsNotExist(err) {
			rollback()
			return fmt.Errorf("ошибка stat %s: %w", st.target, err)
		}
		done = append(done, st)

		if err := os.Rename(fs.FullPath(path.Join(stagingRel, name)), full); err != nil {
			rollback()
			return fmt.Errorf("перенос %s в %s: %w", name, dir, err)
		}
		st.published = true
	}
	return nil
}

// DeleteFile удаляет файл. Отсутствующий файл не считается ошибкой.
func (fs *FileStore) DeleteFile(storagePath string) error {
	cleaned, err := CleanRelative(storagePath)
	if err != nil {
		return err
	}
	err = os.Remove(fs.FullPath(cleaned))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", storagePath, err)
	}
	return nil
}

// FileExists проверяет существование обычного файла внутри корня.
func (fs *FileStore) FileExists(storagePath string) bool {
	f, _, err := fs.Open(storagePath)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (fs *FileStore) within(p string) bool {
	rel, err := filepath.Rel(fs.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
